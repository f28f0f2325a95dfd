package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/dsup/internal/core"
	"github.com/3cpo-dev/dsup/internal/remote"
	"github.com/3cpo-dev/dsup/internal/remote/deepsearch"
	"github.com/3cpo-dev/dsup/internal/remote/s3stage"
	"github.com/3cpo-dev/dsup/internal/remote/sftpstage"
	"github.com/3cpo-dev/dsup/internal/telemetry"
)

// env is what every engine command needs: configuration, the service client, the
// ledger and whatever must be released at exit.
type env struct {
	cfg     core.Config
	client  *deepsearch.Client
	ledger  *core.Store
	closers []func() error
}

// Resolve configuration, telemetry, the API client and (unless disabled) the ledger
func setupEnv(cmd *cobra.Command, withLedger bool) (*env, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	e := &env{cfg: cfg}
	var exporter telemetry.Exporter
	if cfg.Telemetry.OTLPEndpoint != "" {
		exporter = telemetry.NewOTLPExporter(cfg.Telemetry.OTLPEndpoint, "dsup", version)
	}
	telemetry.InitGlobal(cfg.Telemetry.Enabled, exporter)
	e.closers = append(e.closers, func() error {
		telemetry.RecordRuntime()
		return telemetry.Shutdown()
	})

	retry := remote.DefaultRetryConfig()
	retry.MaxRetries = cfg.API.Retries
	httpClient := remote.NewRetryableHTTPClient(time.Duration(cfg.API.TimeoutSeconds)*time.Second, cfg.API.RequestsPerSecond, retry)
	e.client = deepsearch.New(cfg.API.Endpoint, cfg.API.Token, httpClient)

	if withLedger && cfg.Ledger.Enabled {
		store, err := core.NewStore(cfg.Ledger.Path)
		if err != nil {
			e.close()
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		e.ledger = store
		e.closers = append(e.closers, store.Close)
		if err := store.Ping(cmd.Context()); err != nil {
			e.close()
			return nil, fmt.Errorf("ledger unavailable: %w", err)
		}
	}
	return e, nil
}

// stager builds the named staging backend through the registry.
func (e *env) stager(name string) (remote.Stager, error) {
	if name == "" {
		name = e.cfg.Staging.Backend
	}
	reg := remote.NewRegistry()
	reg.Register(deepsearch.NewStager(e.client))

	switch name {
	case core.StagerSFTP:
		sc := e.cfg.Staging.SFTP
		s, err := sftpstage.New(sftpstage.Config{
			Host:          sc.Host,
			Port:          sc.Port,
			User:          sc.User,
			KeyPath:       sc.KeyPath,
			KnownHosts:    sc.KnownHosts,
			RemoteDir:     sc.RemoteDir,
			PublicBaseURL: sc.PublicBaseURL,
			Timeout:       30 * time.Second,
			Retries:       2,
		})
		if err != nil {
			return nil, fmt.Errorf("sftp stager: %w", err)
		}
		e.closers = append(e.closers, s.Close)
		reg.Register(s)
	case core.StagerS3:
		sc := e.cfg.Staging.S3
		s, err := s3stage.New(s3stage.Config{
			Endpoint:   sc.Endpoint,
			Region:     sc.Region,
			AccessKey:  sc.AccessKey,
			SecretKey:  sc.SecretKey,
			Bucket:     sc.Bucket,
			Prefix:     sc.Prefix,
			UseSSL:     sc.UseSSL,
			PresignTTL: time.Duration(sc.PresignTTLSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 stager: %w", err)
		}
		reg.Register(s)
	}
	s, err := reg.Get(name)
	if err != nil {
		return nil, fmt.Errorf("%w (available: %v)", err, reg.Names())
	}
	return s, nil
}

// close releases resources in reverse order of acquisition.
func (e *env) close() {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("cleanup failed")
	}
}
