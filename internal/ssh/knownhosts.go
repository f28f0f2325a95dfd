package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// knownHostsKeyError aliases the knownhosts mismatch/unknown-host error so Dial can
// refuse to retry it.
type knownHostsKeyError = knownhosts.KeyError

// EnsureKnownHostsFile makes sure the directory exists and the file is created.
func EnsureKnownHostsFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("mkdir known_hosts dir: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(""), 0600); err != nil {
			return fmt.Errorf("create known_hosts: %w", err)
		}
	}
	return nil
}

// AppendKnownHost appends a known_hosts entry for addr (host or host:port).
func AppendKnownHost(path, addr string, key xssh.PublicKey) error {
	if err := EnsureKnownHostsFile(path); err != nil {
		return err
	}
	line := knownhosts.Line([]string{knownhosts.Normalize(addr)}, key)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write known_hosts: %w", err)
	}
	return nil
}

// AppendAuthorizedKey is AppendKnownHost for a key in authorized_keys text form.
func AppendAuthorizedKey(path, addr, authorizedKey string) error {
	pubKey, _, _, _, err := xssh.ParseAuthorizedKey([]byte(strings.TrimSpace(authorizedKey)))
	if err != nil {
		return fmt.Errorf("parse authorized key: %w", err)
	}
	return AppendKnownHost(path, addr, pubKey)
}

// LoadKnownHostsCallback returns a strict host key callback using the given file.
func LoadKnownHostsCallback(path string) (xssh.HostKeyCallback, error) {
	if err := EnsureKnownHostsFile(path); err != nil {
		return nil, err
	}
	return knownhosts.New(path)
}

var errKeyCaptured = errors.New("host key captured")

// FetchHostKey connects to addr only far enough to learn its host key, like ssh-keyscan.
func FetchHostKey(ctx context.Context, addr string, timeout time.Duration) (xssh.PublicKey, error) {
	var captured xssh.PublicKey
	cfg := &xssh.ClientConfig{
		User: "dsup",
		HostKeyCallback: func(_ string, _ net.Addr, key xssh.PublicKey) error {
			captured = key
			return errKeyCaptured
		},
		Timeout: timeout,
	}
	_, err := dialOnce(ctx, addr, cfg)
	if captured != nil {
		return captured, nil
	}
	if err == nil {
		err = errors.New("server did not present a host key")
	}
	return nil, fmt.Errorf("fetch host key of %s: %w", addr, err)
}
