package ssh_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/dsup/internal/ssh"
	"github.com/3cpo-dev/dsup/internal/ssh/sshtest"
)

type fixture struct {
	srv    *sshtest.Server
	signer xssh.Signer
	kh     string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	key := filepath.Join(dir, "id_ed25519")
	if _, err := ssh.GenerateEd25519Keypair(key); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	signer, err := ssh.LoadPrivateKeySigner(key)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	srv := sshtest.NewServer(t, signer.PublicKey())
	kh := filepath.Join(dir, "known_hosts")
	if err := ssh.AppendKnownHost(kh, srv.Addr, srv.HostKey); err != nil {
		t.Fatalf("known host: %v", err)
	}
	return fixture{srv: srv, signer: signer, kh: kh}
}

func (f fixture) client(t *testing.T) *ssh.Client {
	t.Helper()
	cb, err := ssh.LoadKnownHostsCallback(f.kh)
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	return &ssh.Client{Addr: f.srv.Addr, User: "dsup", Signer: f.signer, KnownHosts: cb, Timeout: 5 * time.Second}
}

func TestDialRequiresSignerAndCallback(t *testing.T) {
	if _, err := ssh.Dial(context.Background(), &ssh.Client{Addr: "127.0.0.1:1"}); err == nil {
		t.Fatalf("expected error without signer")
	}
}

func TestDialKnownHost(t *testing.T) {
	f := newFixture(t)
	cli, err := ssh.Dial(context.Background(), f.client(t))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	cli.Close()
}

func TestDialHostKeyMismatchNotRetried(t *testing.T) {
	f := newFixture(t)
	other := sshtest.NewServer(t, nil)

	// Pin the first server's address to the second server's key.
	kh := filepath.Join(t.TempDir(), "known_hosts")
	if err := ssh.AppendKnownHost(kh, f.srv.Addr, other.HostKey); err != nil {
		t.Fatalf("known host: %v", err)
	}
	cb, err := ssh.LoadKnownHostsCallback(kh)
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	c := &ssh.Client{Addr: f.srv.Addr, User: "dsup", Signer: f.signer, KnownHosts: cb, Retries: 3, Backoff: time.Second}

	start := time.Now()
	if _, err := ssh.Dial(context.Background(), c); err == nil {
		t.Fatalf("expected host key error")
	}
	if time.Since(start) > 900*time.Millisecond {
		t.Fatalf("host key failure was retried")
	}
}

func TestDialCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := newFixture(t)
	if _, err := ssh.Dial(ctx, f.client(t)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestFetchHostKey(t *testing.T) {
	f := newFixture(t)
	key, err := ssh.FetchHostKey(context.Background(), f.srv.Addr, 5*time.Second)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !bytes.Equal(key.Marshal(), f.srv.HostKey.Marshal()) {
		t.Fatalf("fetched key does not match server key")
	}
}

func TestPushFileVerifiesAndRenames(t *testing.T) {
	f := newFixture(t)
	cli, err := ssh.Dial(context.Background(), f.client(t))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	content := bytes.Repeat([]byte("bundle-bytes "), 4096)
	local := filepath.Join(t.TempDir(), "bundle.zip")
	if err := os.WriteFile(local, content, 0644); err != nil {
		t.Fatal(err)
	}
	remote := filepath.ToSlash(filepath.Join(t.TempDir(), "proj", "bundle.zip"))

	tr, err := ssh.PushFile(context.Background(), cli, local, remote)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	sum := sha256.Sum256(content)
	if tr.Checksum != hex.EncodeToString(sum[:]) {
		t.Fatalf("checksum = %s", tr.Checksum)
	}
	if tr.Bytes != int64(len(content)) {
		t.Fatalf("bytes = %d", tr.Bytes)
	}
	got, err := os.ReadFile(remote)
	if err != nil {
		t.Fatalf("remote file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("remote content differs")
	}
	if _, err := os.Stat(remote + ".part"); !os.IsNotExist(err) {
		t.Fatalf("partial file left behind: %v", err)
	}

	// A second push replaces the existing file.
	if err := os.WriteFile(local, []byte("v2"), 0644); err != nil {
		t.Fatal(err)
	}
	sf, err := sftp.NewClient(cli)
	if err != nil {
		t.Fatalf("sftp: %v", err)
	}
	defer sf.Close()
	if _, err := ssh.Push(context.Background(), sf, local, remote); err != nil {
		t.Fatalf("second push: %v", err)
	}
	sumRemote, err := ssh.RemoteChecksum(sf, remote)
	if err != nil {
		t.Fatalf("remote checksum: %v", err)
	}
	v2 := sha256.Sum256([]byte("v2"))
	if sumRemote != hex.EncodeToString(v2[:]) {
		t.Fatalf("remote not replaced")
	}
}

func TestPushCancelledContext(t *testing.T) {
	f := newFixture(t)
	cli, err := ssh.Dial(context.Background(), f.client(t))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	local := filepath.Join(t.TempDir(), "bundle.zip")
	if err := os.WriteFile(local, []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}
	remote := filepath.ToSlash(filepath.Join(t.TempDir(), "bundle.zip"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ssh.PushFile(ctx, cli, local, remote); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := os.Stat(remote + ".part"); !os.IsNotExist(err) {
		t.Fatalf("partial file left behind")
	}
}
