package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/goqueue/pkg/record"
	"github.com/3leaps/goqueue/pkg/registry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage job records",
	Long: `Inspect and manage job records in the registry.

List and status read the registry through a consistent snapshot, so they
are safe to run while the service is writing. gc requires exclusive
access to the registry file.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List job records",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show the record for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Garbage collect old terminal job records",
	RunE:  runJobsGC,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsGCCmd)

	jobsCmd.PersistentFlags().String("registry", "", "Registry file path (overrides config)")
	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().String("status", "", "Filter by status")
	jobsListCmd.Flags().String("match", "", "Filter job ids by glob pattern")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsGCCmd.Flags().String("max-age", "168h", "Delete terminal jobs older than this duration")
	jobsGCCmd.Flags().Bool("dry-run", false, "Show how many jobs would be deleted")
	jobsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

func registryPathFromFlags(cmd *cobra.Command) (string, error) {
	if path, _ := cmd.Flags().GetString("registry"); path != "" {
		return path, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Registry.Path, nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	statusFilter, _ := cmd.Flags().GetString("status")
	match, _ := cmd.Flags().GetString("match")

	if statusFilter != "" && !record.Status(statusFilter).Known() {
		return exitError(foundry.ExitInvalidArgument, "Invalid --status value", fmt.Errorf("unknown status %q", statusFilter))
	}
	if match != "" && !doublestar.ValidatePattern(match) {
		return exitError(foundry.ExitInvalidArgument, "Invalid --match pattern", fmt.Errorf("bad glob %q", match))
	}

	path, err := registryPathFromFlags(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to resolve registry path", err)
	}
	snap, err := registry.ReadSnapshot(path)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read registry", err)
	}

	recs := snap.List()
	filtered := recs[:0]
	for _, r := range recs {
		if statusFilter != "" && string(r.Status) != statusFilter {
			continue
		}
		if match != "" {
			if ok, _ := doublestar.Match(match, r.JobID); !ok {
				continue
			}
		}
		filtered = append(filtered, r)
	}

	if len(filtered) == 0 && !jsonOutput {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(filtered)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tTYPE\tSTATUS\tCREATED\tUPDATED\tRESULT BYTES")
	for _, r := range filtered {
		size := "-"
		if r.SizeBytes > 0 {
			size = fmt.Sprintf("%d", r.SizeBytes)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.JobID,
			r.Type,
			r.Status,
			r.CreatedAt.UTC().Format(time.RFC3339),
			r.UpdatedAt.UTC().Format(time.RFC3339),
			size,
		)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	jobID := strings.TrimSpace(args[0])
	if jobID == "" {
		return exitError(foundry.ExitInvalidArgument, "job_id is required", nil)
	}

	path, err := registryPathFromFlags(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to resolve registry path", err)
	}
	snap, err := registry.ReadSnapshot(path)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read registry", err)
	}

	rec, err := snap.Get(jobID)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Job not found", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", rec.JobID)
	_, _ = fmt.Fprintf(os.Stdout, "type=%s\n", rec.Type)
	_, _ = fmt.Fprintf(os.Stdout, "status=%s\n", rec.Status)
	_, _ = fmt.Fprintf(os.Stdout, "created_at=%s\n", rec.CreatedAt.UTC().Format(time.RFC3339))
	_, _ = fmt.Fprintf(os.Stdout, "updated_at=%s\n", rec.UpdatedAt.UTC().Format(time.RFC3339))
	if rec.SizeBytes > 0 {
		_, _ = fmt.Fprintf(os.Stdout, "result_bytes=%d\n", rec.SizeBytes)
	}
	if len(rec.Result) > 0 {
		_, _ = fmt.Fprintf(os.Stdout, "result=%s\n", rec.Result)
	}
	if rec.Error != nil {
		_, _ = fmt.Fprintf(os.Stdout, "error_kind=%s\n", rec.Error.Kind)
		_, _ = fmt.Fprintf(os.Stdout, "error_message=%s\n", rec.Error.Message)
	}
	return nil
}

type jobsGCResult struct {
	Deleted      int    `json:"deleted"`
	WouldDelete  int    `json:"would_delete"`
	DryRun       bool   `json:"dry_run"`
	MaxAgeString string `json:"max_age"`
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAgeStr = strings.TrimSpace(maxAgeStr)
	if maxAgeStr == "" {
		maxAgeStr = "168h"
	}
	maxAge, err := time.ParseDuration(maxAgeStr)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", err)
	}
	if maxAge <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", fmt.Errorf("must be > 0"))
	}

	jsonOutput, _ := cmd.Flags().GetBool("json")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	path, err := registryPathFromFlags(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to resolve registry path", err)
	}
	store, err := registry.Open(path)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open registry", err)
	}
	defer func() { _ = store.Close() }()

	now := time.Now().UTC()
	deleted := 0
	for _, r := range store.List() {
		if !r.Terminal() {
			continue
		}
		if now.Sub(r.UpdatedAt.UTC()) <= maxAge {
			continue
		}
		if !dryRun {
			if err := store.Delete(r.JobID); err != nil {
				return exitError(foundry.ExitFileWriteError, "Failed to delete job record", err)
			}
		}
		deleted++
	}

	if jsonOutput {
		res := jobsGCResult{DryRun: dryRun, MaxAgeString: maxAgeStr}
		if dryRun {
			res.WouldDelete = deleted
		} else {
			res.Deleted = deleted
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	if dryRun {
		_, _ = fmt.Fprintf(os.Stdout, "would_delete=%d\n", deleted)
		return nil
	}
	_, _ = fmt.Fprintf(os.Stdout, "deleted=%d\n", deleted)
	return nil
}
