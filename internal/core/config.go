package core

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/3cpo-dev/dsup/internal/remote"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration of dsup.
type Config struct {
	API struct {
		Endpoint          string  `yaml:"endpoint"`
		Token             string  `yaml:"token,omitempty"`
		TimeoutSeconds    int     `yaml:"timeout_seconds"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Retries           int     `yaml:"retries"`
	} `yaml:"api"`
	Upload struct {
		Concurrency         int    `yaml:"concurrency"`
		URLChunkSize        int    `yaml:"url_chunk_size"`
		BundleSize          int    `yaml:"bundle_size"`
		BundleWorkers       int    `yaml:"bundle_workers"`
		PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
		PollTimeoutSeconds  int    `yaml:"poll_timeout_seconds"`
		PollRetries         int    `yaml:"poll_retries"`
		WorkspaceDir        string `yaml:"workspace_dir"`
	} `yaml:"upload"`
	Staging struct {
		Backend string `yaml:"backend"`
		SFTP    struct {
			Host          string `yaml:"host"`
			Port          int    `yaml:"port"`
			User          string `yaml:"user"`
			KeyPath       string `yaml:"key_path"`
			KnownHosts    string `yaml:"known_hosts"`
			RemoteDir     string `yaml:"remote_dir"`
			PublicBaseURL string `yaml:"public_base_url"`
		} `yaml:"sftp"`
		S3 struct {
			Endpoint          string `yaml:"endpoint"`
			Region            string `yaml:"region"`
			AccessKey         string `yaml:"access_key,omitempty"`
			SecretKey         string `yaml:"secret_key,omitempty"`
			Bucket            string `yaml:"bucket"`
			Prefix            string `yaml:"prefix"`
			UseSSL            bool   `yaml:"use_ssl"`
			PresignTTLSeconds int    `yaml:"presign_ttl_seconds"`
		} `yaml:"s3"`
	} `yaml:"staging"`
	Ledger struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"ledger"`
	Telemetry struct {
		Enabled      bool   `yaml:"enabled"`
		OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
	} `yaml:"telemetry"`
}

// Staging backends understood by the CLI.
const (
	StagerAPI  = "api"
	StagerSFTP = "sftp"
	StagerS3   = "s3"
)

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	var cfg Config
	cfg.API.Endpoint = "http://127.0.0.1:8089/api/v2"
	cfg.API.TimeoutSeconds = 60
	cfg.API.RequestsPerSecond = 10
	cfg.API.Retries = 3
	cfg.Upload.Concurrency = 4
	cfg.Upload.URLChunkSize = 1
	cfg.Upload.BundleSize = 50
	cfg.Upload.BundleWorkers = 2
	cfg.Upload.PollIntervalSeconds = 5
	cfg.Upload.PollRetries = 5
	cfg.Staging.Backend = StagerAPI
	cfg.Staging.SFTP.Port = 22
	cfg.Staging.SFTP.RemoteDir = "/srv/dsup/incoming"
	cfg.Staging.SFTP.KeyPath = filepath.Join(ConfigDir(), "ssh", "id_ed25519")
	cfg.Staging.SFTP.KnownHosts = filepath.Join(ConfigDir(), "ssh", "known_hosts")
	cfg.Staging.S3.Region = "us-east-1"
	cfg.Staging.S3.Prefix = "dsup/"
	cfg.Staging.S3.UseSSL = true
	cfg.Staging.S3.PresignTTLSeconds = 3600
	cfg.Ledger.Enabled = true
	cfg.Ledger.Path = filepath.Join(dataDir(), "ledger.db")
	return cfg
}

// ConfigDir resolves $XDG_CONFIG_HOME/dsup or ~/.config/dsup.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "dsup")
}

func dataDir() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "dsup")
}

// LoadConfig reads YAML configuration from a path over the defaults. If path is empty,
// it resolves ConfigDir()/config.yaml and falls back to defaults when that file is missing.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = filepath.Join(ConfigDir(), "config.yaml")
	}

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case !explicit && errors.Is(err, fs.ErrNotExist):
	default:
		return cfg, fmt.Errorf("open config: %w", err)
	}

	// Merge secrets from secrets.env if present to avoid storing tokens in YAML
	secrets, _ := LoadSecretsEnv("")
	for _, key := range []string{"DSUP_API_TOKEN", "DSUP_S3_ACCESS_KEY", "DSUP_S3_SECRET_KEY"} {
		if v := os.Getenv(key); v != "" {
			secrets[key] = v
		}
	}
	if t := secrets["DSUP_API_TOKEN"]; t != "" {
		cfg.API.Token = t
	}
	if k := secrets["DSUP_S3_ACCESS_KEY"]; k != "" {
		cfg.Staging.S3.AccessKey = k
	}
	if k := secrets["DSUP_S3_SECRET_KEY"]; k != "" {
		cfg.Staging.S3.SecretKey = k
	}
	return cfg, nil
}

// WriteDefaultConfig writes the default configuration to path unless a file exists.
// It reports whether a file was written.
func WriteDefaultConfig(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, fmt.Errorf("create config dir: %w", err)
	}
	content, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return false, fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return false, fmt.Errorf("write config: %w", err)
	}
	return true, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	positive := map[string]int{
		"upload.concurrency":           c.Upload.Concurrency,
		"upload.url_chunk_size":        c.Upload.URLChunkSize,
		"upload.bundle_size":           c.Upload.BundleSize,
		"upload.bundle_workers":        c.Upload.BundleWorkers,
		"upload.poll_interval_seconds": c.Upload.PollIntervalSeconds,
	}
	for field, v := range positive {
		if v <= 0 {
			return remote.ValidationError{Field: field, Value: fmt.Sprintf("%d", v), Message: "must be greater than 0"}
		}
	}
	if c.Upload.PollTimeoutSeconds < 0 || c.Upload.PollRetries < 0 {
		return remote.ValidationError{Field: "upload", Value: "", Message: "poll timeout and retries cannot be negative"}
	}
	if c.API.Endpoint == "" {
		return remote.ValidationError{Field: "api.endpoint", Value: "", Message: "endpoint is required"}
	}
	switch c.Staging.Backend {
	case StagerAPI, StagerSFTP, StagerS3:
	default:
		return remote.ValidationError{Field: "staging.backend", Value: c.Staging.Backend, Message: "must be one of api, sftp, s3"}
	}
	return nil
}

// PollConfig derives poller settings from the upload section.
func (c Config) PollConfig() PollConfig {
	pc := DefaultPollConfig()
	pc.Interval = time.Duration(c.Upload.PollIntervalSeconds) * time.Second
	pc.Timeout = time.Duration(c.Upload.PollTimeoutSeconds) * time.Second
	pc.Retries = c.Upload.PollRetries
	return pc
}
