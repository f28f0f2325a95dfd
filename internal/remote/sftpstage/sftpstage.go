// Package sftpstage stages local bundles on a host that serves them over HTTP, by
// copying them there with SFTP.
package sftpstage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/dsup/internal/remote"
	"github.com/3cpo-dev/dsup/internal/ssh"
)

type Config struct {
	Host       string
	Port       int
	User       string
	KeyPath    string
	KnownHosts string
	// RemoteDir is where bundles are written; PublicBaseURL must serve the same tree.
	RemoteDir     string
	PublicBaseURL string
	Timeout       time.Duration
	Retries       int
}

// Stager implements remote.Stager. One SSH connection is opened lazily and shared by
// concurrent Stage calls; each call uses its own SFTP session.
type Stager struct {
	cfg    Config
	client *ssh.Client

	mu   sync.Mutex
	conn *xssh.Client
}

var _ remote.Stager = (*Stager)(nil)

// New loads the key and known_hosts file named by cfg. No connection is made yet.
func New(cfg Config) (*Stager, error) {
	if cfg.Host == "" {
		return nil, remote.ValidationError{Field: "staging.sftp.host", Value: "", Message: "host is required"}
	}
	if _, err := url.Parse(cfg.PublicBaseURL); err != nil || cfg.PublicBaseURL == "" {
		return nil, remote.ValidationError{Field: "staging.sftp.public_base_url", Value: cfg.PublicBaseURL, Message: "a base URL serving remote_dir is required"}
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	signer, err := ssh.LoadPrivateKeySigner(cfg.KeyPath)
	if err != nil {
		return nil, err
	}
	hostKeys, err := ssh.LoadKnownHostsCallback(cfg.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return &Stager{
		cfg: cfg,
		client: &ssh.Client{
			Addr:       net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			User:       cfg.User,
			Signer:     signer,
			KnownHosts: hostKeys,
			Timeout:    cfg.Timeout,
			Retries:    cfg.Retries,
		},
	}, nil
}

func (s *Stager) Name() string { return "sftp" }

// Stage copies bundlePath to RemoteDir/projKey/<unique>-<name> and returns its public URL.
func (s *Stager) Stage(ctx context.Context, projKey, bundlePath string) (string, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return "", err
	}
	name := uuid.NewString()[:8] + "-" + filepath.Base(bundlePath)
	target := path.Join(s.cfg.RemoteDir, projKey, name)

	tr, err := ssh.PushFile(ctx, conn, bundlePath, target)
	if err != nil {
		if !errors.Is(err, ssh.ErrChecksumMismatch) && ctx.Err() == nil {
			// The shared connection may have died; the next call reconnects.
			s.reset(conn)
		}
		return "", err
	}
	log.Debug().Str("remote", tr.RemotePath).Int64("bytes", tr.Bytes).Str("sha256", tr.Checksum).Msg("bundle pushed")

	return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/" + url.PathEscape(projKey) + "/" + url.PathEscape(name), nil
}

func (s *Stager) connect(ctx context.Context) (*xssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	conn, err := ssh.Dial(ctx, s.client)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

func (s *Stager) reset(conn *xssh.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// Close drops the shared connection, if any.
func (s *Stager) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
