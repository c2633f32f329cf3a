package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/goqueue/pkg/record"
	"github.com/3leaps/goqueue/pkg/registry"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Operate on the registry log",
}

var registryCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Rewrite the registry log to its latest states",
	Long: `Rewrite the registry log so it holds one line per job instead of the
full update history. Requires exclusive access to the registry file.`,
	RunE: runRegistryCompact,
}

var registryInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Summarize the registry contents",
	RunE:  runRegistryInspect,
}

var registryExportCmd = &cobra.Command{
	Use:   "export <s3-uri>",
	Short: "Upload a consistent registry snapshot to S3",
	Long: `Export the durable registry records to an S3 object, e.g.

  goqueue registry export s3://backups/goqueue/jobs.jsonl

The export is rebuilt from a consistent snapshot: a torn tail left by a
crashed writer is never uploaded.`,
	Args: cobra.ExactArgs(1),
	RunE: runRegistryExport,
}

func init() {
	rootCmd.AddCommand(registryCmd)
	registryCmd.AddCommand(registryCompactCmd)
	registryCmd.AddCommand(registryInspectCmd)
	registryCmd.AddCommand(registryExportCmd)

	registryCmd.PersistentFlags().String("registry", "", "Registry file path (overrides config)")
	registryCompactCmd.Flags().Bool("json", false, "Output as JSON")
	registryInspectCmd.Flags().Bool("json", false, "Output as JSON")
	registryExportCmd.Flags().String("region", "", "AWS region (defaults to the SDK chain)")
	registryExportCmd.Flags().String("endpoint", "", "Custom S3 endpoint (enables path-style addressing)")
}

func runRegistryCompact(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	path, err := registryPathFromFlags(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to resolve registry path", err)
	}
	store, err := registry.Open(path)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open registry", err)
	}
	defer func() { _ = store.Close() }()

	before := store.Stats()
	if err := store.Compact(); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to compact registry", err)
	}
	after := store.Stats()

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"records":      after.Records,
			"bytes_before": before.LogBytes,
			"bytes_after":  after.LogBytes,
			"generation":   after.Generation,
		})
	}
	_, _ = fmt.Fprintf(os.Stdout, "records=%d bytes_before=%d bytes_after=%d\n",
		after.Records, before.LogBytes, after.LogBytes)
	return nil
}

func runRegistryInspect(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	path, err := registryPathFromFlags(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to resolve registry path", err)
	}
	snap, err := registry.ReadSnapshot(path)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read registry", err)
	}

	byStatus := make(map[record.Status]int)
	var resultBytes int64
	for _, r := range snap.List() {
		byStatus[r.Status]++
		resultBytes += r.SizeBytes
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"path":         path,
			"records":      snap.Len(),
			"by_status":    byStatus,
			"result_bytes": resultBytes,
		})
	}

	_, _ = fmt.Fprintf(os.Stdout, "path=%s\n", path)
	_, _ = fmt.Fprintf(os.Stdout, "records=%d\n", snap.Len())
	for status, n := range byStatus {
		_, _ = fmt.Fprintf(os.Stdout, "status_%s=%d\n", status, n)
	}
	_, _ = fmt.Fprintf(os.Stdout, "result_bytes=%d\n", resultBytes)
	return nil
}

func parseS3URI(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("expected s3://bucket/key, got %q", raw)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

func runRegistryExport(cmd *cobra.Command, args []string) error {
	bucket, key, err := parseS3URI(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid S3 URI", err)
	}

	path, err := registryPathFromFlags(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to resolve registry path", err)
	}
	if key == "" {
		key = filepath.Base(path)
	}

	snap, err := registry.ReadSnapshot(path)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read registry", err)
	}

	var buf bytes.Buffer
	for _, r := range snap.List() {
		line, err := record.Encode(&r)
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to encode record", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	ctx := cmd.Context()
	region, _ := cmd.Flags().GetString("region")
	endpoint, _ := cmd.Flags().GetString("endpoint")

	var loadOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to load AWS configuration", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to upload registry export", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "exported records=%d bytes=%d to s3://%s/%s\n",
		snap.Len(), buf.Len(), bucket, key)
	return nil
}
