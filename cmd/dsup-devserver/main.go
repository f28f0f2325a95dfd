package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/dsup/internal/devserver"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dsup-devserver",
		Short: "Local stand-in for the document conversion service",
		Long: "Serves the submit, task status and upload endpoints in memory. Set DSUP_DEVSERVER_TOKEN " +
			"to require a bearer token and DSUP_DEVSERVER_TLS_CERT/_KEY to serve HTTPS.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			steps, _ := cmd.Flags().GetInt("steps")
			fail, _ := cmd.Flags().GetString("fail")
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}

			srv := devserver.New(devserver.Options{
				Version:     "dev",
				Token:       os.Getenv("DSUP_DEVSERVER_TOKEN"),
				Steps:       steps,
				FailPattern: fail,
			})
			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe(addr, devserver.TLSConfigFromEnv()) }()
			log.Info().Str("addr", addr).Str("base", devserver.BasePath).Msg("dsup-devserver listening")

			select {
			case err := <-errc:
				return err
			case <-cmd.Context().Done():
			}
			log.Info().Msg("dsup-devserver shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				return err
			}
			if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:8089", "listen address")
	cmd.Flags().Int("steps", 2, "status reads before a task finishes")
	cmd.Flags().String("fail", "", "glob of inputs whose tasks should fail")
	cmd.Flags().Bool("debug", false, "log every accepted task")
	return cmd
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
