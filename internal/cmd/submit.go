package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	apperrors "github.com/3leaps/goqueue/internal/errors"
	"github.com/3leaps/goqueue/pkg/manifest"
	"github.com/3leaps/goqueue/pkg/record"
)

var submitCmd = &cobra.Command{
	Use:   "submit <manifest>",
	Short: "Submit the jobs in a manifest to a running goqueue server",
	Long: `Read a YAML or JSON manifest and submit each job to the server's HTTP
API. With --wait, block until every submitted job reaches a terminal
state and report the outcomes.`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().String("server", "http://localhost:8080", "Base URL of the goqueue server")
	submitCmd.Flags().Bool("wait", false, "Wait for submitted jobs to finish")
	submitCmd.Flags().Duration("wait-timeout", 5*time.Minute, "Per-job wait deadline (with --wait)")
	submitCmd.Flags().Bool("json", false, "Output as JSON")
}

type submitOutcome struct {
	JobID   string           `json:"job_id"`
	Type    string           `json:"type"`
	Status  record.Status    `json:"status"`
	Error   *record.JobError `json:"error,omitempty"`
	Skipped string           `json:"skipped,omitempty"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	server, _ := cmd.Flags().GetString("server")
	wait, _ := cmd.Flags().GetBool("wait")
	waitTimeout, _ := cmd.Flags().GetDuration("wait-timeout")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	base, err := url.Parse(server)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return exitError(foundry.ExitInvalidArgument, "Invalid server URL", err)
	}

	m, err := manifest.Load(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load manifest", err)
	}

	client := &http.Client{Timeout: 30 * time.Second}

	m.ApplyDefaults()

	outcomes := make([]submitOutcome, 0, len(m.Jobs))
	failures := 0
	for _, spec := range m.Jobs {
		rec, err := postJob(client, base, spec)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to submit job", err)
		}
		out := submitOutcome{JobID: rec.JobID, Type: rec.Type, Status: rec.Status}
		if rec.Error != nil {
			out.Error = rec.Error
		}
		outcomes = append(outcomes, out)
	}

	if wait {
		for i := range outcomes {
			rec, err := waitJob(client, base, outcomes[i].JobID, waitTimeout)
			if err != nil {
				outcomes[i].Skipped = err.Error()
				failures++
				continue
			}
			outcomes[i].Status = rec.Status
			outcomes[i].Error = rec.Error
			if rec.Status != record.StatusCompleted {
				failures++
			}
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(outcomes); err != nil {
			return err
		}
	} else {
		for _, out := range outcomes {
			line := fmt.Sprintf("job_id=%s type=%s status=%s", out.JobID, out.Type, out.Status)
			if out.Error != nil {
				line += fmt.Sprintf(" error_kind=%s", out.Error.Kind)
			}
			if out.Skipped != "" {
				line += fmt.Sprintf(" wait_error=%q", out.Skipped)
			}
			_, _ = fmt.Fprintln(os.Stdout, line)
		}
	}

	if failures > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable,
			fmt.Sprintf("%d of %d jobs did not complete", failures, len(outcomes)), nil)
	}
	return nil
}

func postJob(client *http.Client, base *url.URL, spec manifest.JobSpec) (*record.JobRecord, error) {
	body, err := json.Marshal(map[string]any{
		"job_id": spec.ID,
		"type":   spec.Type,
		"params": spec.Params,
	})
	if err != nil {
		return nil, err
	}

	resp, err := client.Post(base.JoinPath("jobs").String(), "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		return nil, decodeAPIError(resp, spec.ID)
	}
	var rec record.JobRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode response for %s: %w", spec.ID, err)
	}
	return &rec, nil
}

func waitJob(client *http.Client, base *url.URL, jobID string, timeout time.Duration) (*record.JobRecord, error) {
	u := base.JoinPath("jobs", jobID, "wait")
	q := u.Query()
	q.Set("timeout", timeout.String())
	u.RawQuery = q.Encode()

	waitClient := &http.Client{Timeout: timeout + 10*time.Second}
	resp, err := waitClient.Get(u.String())
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp, jobID)
	}
	var rec record.JobRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode response for %s: %w", jobID, err)
	}
	return &rec, nil
}

func decodeAPIError(resp *http.Response, jobID string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var envelope apperrors.HTTPErrorResponse
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Code != "" {
		return fmt.Errorf("%s: %s (%s)", jobID, envelope.Error.Message, envelope.Error.Code)
	}
	return fmt.Errorf("%s: unexpected status %d", jobID, resp.StatusCode)
}
