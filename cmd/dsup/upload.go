package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/dsup/internal/core"
	"github.com/3cpo-dev/dsup/internal/objstore"
	"github.com/3cpo-dev/dsup/pkg/api"
)

// Upload documents and wait for their conversion tasks
func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload URLs, a local file/folder or an object-storage prefix into a data index",
		Example: `  dsup upload --proj-key P --index-key I --url https://example.com/a.pdf
  dsup upload --proj-key P --index-key I --local-path ./papers --progress
  dsup upload --proj-key P --index-key I --s3-coordinates s3.yaml --preflight`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := uploadRequest(cmd)
			if err != nil {
				return err
			}
			noLedger, _ := cmd.Flags().GetBool("no-ledger")
			e, err := setupEnv(cmd, !noLedger)
			if err != nil {
				return err
			}
			defer e.close()
			if req.URLChunkSize == 0 {
				req.URLChunkSize = e.cfg.Upload.URLChunkSize
			}

			opts, err := uploaderOptions(cmd, e)
			if err != nil {
				return err
			}
			if req.Input.LocalPath != "" {
				backend, _ := cmd.Flags().GetString("stager")
				stager, err := e.stager(backend)
				if err != nil {
					return err
				}
				opts = append(opts, core.WithStager(stager))
			}
			if preflight, _ := cmd.Flags().GetBool("preflight"); preflight {
				opts = append(opts, core.WithPreflight(objstore.NewChecker(30*time.Second).Check))
			}

			report, err := core.NewUploader(e.client, opts...).Upload(cmd.Context(), req)
			if err != nil {
				describeFailure(cmd.ErrOrStderr(), err)
				if report == nil {
					return err
				}
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			if perr := printReport(cmd.OutOrStdout(), report, asJSON); perr != nil {
				return errors.Join(err, perr)
			}
			return err
		},
	}

	cmd.Flags().String("proj-key", "", "project key")
	cmd.Flags().String("index-key", "", "data index key")
	cmd.Flags().StringSlice("url", nil, "document URL (repeatable or comma separated)")
	cmd.Flags().String("local-path", "", "local file or folder to upload")
	cmd.Flags().String("s3-coordinates", "", "YAML file with object-storage coordinates")
	cmd.Flags().String("s3-host", "", "object-storage host")
	cmd.Flags().Int("s3-port", 0, "object-storage port")
	cmd.Flags().Bool("s3-ssl", true, "use TLS towards object storage")
	cmd.Flags().Bool("s3-verify-ssl", true, "verify the object-storage certificate")
	cmd.Flags().String("s3-bucket", "", "bucket holding the documents")
	cmd.Flags().String("s3-location", "", "bucket region")
	cmd.Flags().String("s3-key-prefix", "", "only convert objects under this prefix")
	cmd.Flags().String("s3-access-key", "", "object-storage access key (or DSUP_SOURCE_ACCESS_KEY)")
	cmd.Flags().String("s3-secret-key", "", "object-storage secret key (or DSUP_SOURCE_SECRET_KEY)")
	cmd.Flags().Int("url-chunk-size", 0, "URLs per task (default from config)")
	cmd.Flags().Int("concurrency", 0, "units submitted at once, 1 for sequential (default from config)")
	cmd.Flags().Duration("poll-interval", 0, "time between status polls (default from config)")
	cmd.Flags().Duration("timeout", 0, "give up waiting after this long (default from config, 0 waits forever)")
	cmd.Flags().String("stager", "", "staging backend for local bundles: api, sftp or s3 (default from config)")
	cmd.Flags().String("conversion-settings", "", "YAML or JSON file with conversion settings")
	cmd.Flags().Bool("add-raw-pages", false, "store raw pages in the index")
	cmd.Flags().Bool("add-annotations", false, "store annotations in the index")
	cmd.Flags().Bool("preflight", false, "check object-storage coordinates before submitting")
	cmd.Flags().Bool("progress", false, "show a progress line on stderr")
	cmd.Flags().Bool("json", false, "print the report as JSON")
	cmd.Flags().Bool("no-ledger", false, "do not record this run in the local ledger")
	_ = cmd.MarkFlagRequired("proj-key")
	_ = cmd.MarkFlagRequired("index-key")
	cmd.MarkFlagsMutuallyExclusive("s3-coordinates", "s3-host")
	return cmd
}

func uploadRequest(cmd *cobra.Command) (core.Request, error) {
	var req core.Request
	req.Coords.ProjKey, _ = cmd.Flags().GetString("proj-key")
	req.Coords.IndexKey, _ = cmd.Flags().GetString("index-key")
	req.Input.URLs, _ = cmd.Flags().GetStringSlice("url")
	req.Input.LocalPath, _ = cmd.Flags().GetString("local-path")
	req.URLChunkSize, _ = cmd.Flags().GetInt("url-chunk-size")
	if cmd.Flags().Changed("url-chunk-size") && req.URLChunkSize <= 0 {
		return req, fmt.Errorf("%w: %w", core.ErrInvalidInput, core.ErrInvalidChunkSize)
	}

	s3, err := s3Coordinates(cmd)
	if err != nil {
		return req, err
	}
	req.Input.S3 = s3

	if path, _ := cmd.Flags().GetString("conversion-settings"); path != "" {
		var settings api.ConversionSettings
		if err := readYAML(path, &settings); err != nil {
			return req, fmt.Errorf("conversion settings: %w", err)
		}
		req.Options.Conversion = settings
	}
	var target api.TargetSettings
	if cmd.Flags().Changed("add-raw-pages") {
		v, _ := cmd.Flags().GetBool("add-raw-pages")
		target.AddRawPages = &v
	}
	if cmd.Flags().Changed("add-annotations") {
		v, _ := cmd.Flags().GetBool("add-annotations")
		target.AddAnnotations = &v
	}
	if !target.IsZero() {
		req.Options.Target = &target
	}
	return req, nil
}

// s3Coordinates reads coordinates from --s3-coordinates or the individual --s3-* flags.
// It returns nil when neither is used.
func s3Coordinates(cmd *cobra.Command) (*api.S3Coordinates, error) {
	if path, _ := cmd.Flags().GetString("s3-coordinates"); path != "" {
		var c api.S3Coordinates
		if err := readYAML(path, &c); err != nil {
			return nil, fmt.Errorf("s3 coordinates: %w", err)
		}
		fillSourceKeys(&c)
		return &c, nil
	}
	if !cmd.Flags().Changed("s3-host") && !cmd.Flags().Changed("s3-bucket") {
		return nil, nil
	}
	var c api.S3Coordinates
	c.Host, _ = cmd.Flags().GetString("s3-host")
	c.Port, _ = cmd.Flags().GetInt("s3-port")
	c.SSL, _ = cmd.Flags().GetBool("s3-ssl")
	c.VerifySSL, _ = cmd.Flags().GetBool("s3-verify-ssl")
	c.Bucket, _ = cmd.Flags().GetString("s3-bucket")
	c.Location, _ = cmd.Flags().GetString("s3-location")
	c.KeyPrefix, _ = cmd.Flags().GetString("s3-key-prefix")
	c.AccessKey, _ = cmd.Flags().GetString("s3-access-key")
	c.SecretKey, _ = cmd.Flags().GetString("s3-secret-key")
	fillSourceKeys(&c)
	return &c, nil
}

// Keys for the source bucket can come from the environment to keep them off the command line
func fillSourceKeys(c *api.S3Coordinates) {
	if c.AccessKey == "" {
		c.AccessKey = os.Getenv("DSUP_SOURCE_ACCESS_KEY")
	}
	if c.SecretKey == "" {
		c.SecretKey = os.Getenv("DSUP_SOURCE_SECRET_KEY")
	}
}

func readYAML(path string, out any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// YAML is a superset of JSON, so both formats are accepted.
	return yaml.Unmarshal(content, out)
}

// uploaderOptions merges command flags over the configuration.
func uploaderOptions(cmd *cobra.Command, e *env) ([]core.Option, error) {
	pc := e.cfg.PollConfig()
	if d, _ := cmd.Flags().GetDuration("poll-interval"); d > 0 {
		pc.Interval = d
	}
	if cmd.Flags().Changed("timeout") {
		pc.Timeout, _ = cmd.Flags().GetDuration("timeout")
	}
	concurrency := e.cfg.Upload.Concurrency
	if cmd.Flags().Changed("concurrency") {
		concurrency, _ = cmd.Flags().GetInt("concurrency")
		if concurrency < 1 {
			return nil, fmt.Errorf("%w: concurrency must be at least 1", core.ErrInvalidInput)
		}
	}

	opts := []core.Option{
		core.WithPollConfig(pc),
		core.WithConcurrency(concurrency),
		core.WithPreparer(core.NewPreparer(e.cfg.Upload.BundleSize, e.cfg.Upload.BundleWorkers)),
		core.WithWorkspaceDir(e.cfg.Upload.WorkspaceDir),
	}
	if e.ledger != nil {
		opts = append(opts, core.WithLedger(e.ledger))
	}
	if progress, _ := cmd.Flags().GetBool("progress"); progress {
		opts = append(opts, core.WithProgress(core.NewLineProgress(cmd.ErrOrStderr(), "submitting")))
	}
	return opts, nil
}

// describeFailure prints what a failed run leaves behind remotely.
func describeFailure(w io.Writer, err error) {
	var subErr *core.SubmissionError
	if errors.As(err, &subErr) && len(subErr.Submitted) > 0 {
		fmt.Fprintf(w, "%d task(s) were created before unit %d failed:\n", len(subErr.Submitted), subErr.UnitIndex)
		for _, id := range subErr.Submitted {
			fmt.Fprintf(w, "  %s\n", id)
		}
	}
	var pollErr *core.PollError
	if errors.As(err, &pollErr) {
		fmt.Fprintln(w, "last known task states:")
		for _, st := range pollErr.Last {
			fmt.Fprintf(w, "  %s\t%s\n", st.ID, st.State)
		}
	}
}

func printReport(w io.Writer, report *api.UploadReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATE\tERROR")
	for _, st := range report.Tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", st.ID, st.State, st.Error)
	}
	counts := report.Counts()
	fmt.Fprintf(tw, "\n%d task(s): %d succeeded, %d failed\n", report.Len(), counts[api.TaskSucceeded], counts[api.TaskFailed])
	if report.RunID != "" {
		fmt.Fprintf(tw, "run %s\n", report.RunID)
	}
	return tw.Flush()
}
