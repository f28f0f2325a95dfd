package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/dsup/internal/core"
	gssh "github.com/3cpo-dev/dsup/internal/ssh"
	"github.com/3cpo-dev/dsup/pkg/api"
)

// Wait for the unfinished tasks of a recorded run
func newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Wait again for the unfinished tasks of a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setupEnv(cmd, true)
			if err != nil {
				return err
			}
			defer e.close()
			if e.ledger == nil {
				return errors.New("the ledger is disabled in the configuration")
			}
			pc := e.cfg.PollConfig()
			if d, _ := cmd.Flags().GetDuration("poll-interval"); d > 0 {
				pc.Interval = d
			}
			if cmd.Flags().Changed("timeout") {
				pc.Timeout, _ = cmd.Flags().GetDuration("timeout")
			}
			u := core.NewUploader(e.client, core.WithLedger(e.ledger), core.WithPollConfig(pc))
			report, err := u.Resume(cmd.Context(), args[0])
			if err != nil {
				describeFailure(cmd.ErrOrStderr(), err)
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			return printReport(cmd.OutOrStdout(), report, asJSON)
		},
	}
	cmd.Flags().Duration("poll-interval", 0, "time between status polls (default from config)")
	cmd.Flags().Duration("timeout", 0, "give up waiting after this long")
	cmd.Flags().Bool("json", false, "print the report as JSON")
	return cmd
}

// List recorded runs
func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setupEnv(cmd, true)
			if err != nil {
				return err
			}
			defer e.close()
			if e.ledger == nil {
				return errors.New("the ledger is disabled in the configuration")
			}
			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := e.ledger.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tSTARTED\tINPUT\tTARGET\tSTATUS\tTASKS\tSUCCEEDED\tFAILED\tPENDING")
			for _, r := range runs {
				total := 0
				for _, n := range r.Counts {
					total += n
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s/%s\t%s\t%d\t%d\t%d\t%d\n",
					r.ID, r.StartedAt.Local().Format(time.DateTime), r.Modality, r.Coords.ProjKey, r.Coords.IndexKey,
					r.Status, total, r.Counts[api.TaskSucceeded], r.Counts[api.TaskFailed],
					r.Counts[api.TaskPending]+r.Counts[api.TaskRunning])
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "number of runs to show")
	return cmd
}

// Initialize configuration and the SFTP staging key
func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "dsup initialization command. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = filepath.Join(core.ConfigDir(), "config.yaml")
			}
			written, err := core.WriteDefaultConfig(path)
			if err != nil {
				return err
			}
			if written {
				fmt.Fprintf(out, "wrote default config to %s\n", path)
			} else {
				fmt.Fprintf(out, "config %s already exists, leaving it untouched\n", path)
			}

			cfg, err := core.LoadConfig(path)
			if err != nil {
				return err
			}
			sc := cfg.Staging.SFTP
			if _, err := os.Stat(sc.KeyPath); errors.Is(err, os.ErrNotExist) {
				pub, err := gssh.GenerateEd25519Keypair(sc.KeyPath)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "generated SSH key %s\nauthorize it on the staging host with:\n  %s", sc.KeyPath, pub)
			}
			if err := gssh.EnsureKnownHostsFile(sc.KnownHosts); err != nil {
				return err
			}

			host, _ := cmd.Flags().GetString("sftp-host")
			if host == "" {
				return nil
			}
			key, err := gssh.FetchHostKey(cmd.Context(), host, 15*time.Second)
			if err != nil {
				return err
			}
			if err := gssh.AppendKnownHost(sc.KnownHosts, host, key); err != nil {
				return err
			}
			fmt.Fprintf(out, "trusted %s host key %s\n", host, xssh.FingerprintSHA256(key))
			return nil
		},
	}
	cmd.Flags().String("sftp-host", "", "host:port of the SFTP staging host whose key should be trusted")
	return cmd
}
