package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// ErrChecksumMismatch is returned when the uploaded copy does not hash like the source.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Transfer describes a verified upload.
type Transfer struct {
	RemotePath string
	Bytes      int64
	Checksum   string
}

// PushFile uploads a local file to remotePath over a new SFTP session on client.
func PushFile(ctx context.Context, client *xssh.Client, localPath, remotePath string) (Transfer, error) {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return Transfer{}, fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	return Push(ctx, sf, localPath, remotePath)
}

// Push writes localPath to a temporary name next to remotePath, re-reads it to compare
// sha256 checksums and only then renames it into place. A mismatching copy is removed.
func Push(ctx context.Context, sf *sftp.Client, localPath, remotePath string) (Transfer, error) {
	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return Transfer{}, fmt.Errorf("mkdir remote: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return Transfer{}, fmt.Errorf("open local: %w", err)
	}
	defer src.Close()

	partial := remotePath + ".part"
	dst, err := sf.Create(partial)
	if err != nil {
		return Transfer{}, fmt.Errorf("create remote: %w", err)
	}
	hasher := sha256.New()
	n, err := io.Copy(dst, io.TeeReader(&ctxReader{ctx: ctx, r: src}, hasher))
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = sf.Remove(partial)
		return Transfer{}, fmt.Errorf("copy: %w", err)
	}
	local := hex.EncodeToString(hasher.Sum(nil))

	remote, err := RemoteChecksum(sf, partial)
	if err != nil {
		_ = sf.Remove(partial)
		return Transfer{}, err
	}
	if remote != local {
		_ = sf.Remove(partial)
		return Transfer{}, fmt.Errorf("%w: %s local=%s remote=%s", ErrChecksumMismatch, remotePath, local, remote)
	}

	if _, err := sf.Stat(remotePath); err == nil {
		if err := sf.Remove(remotePath); err != nil {
			_ = sf.Remove(partial)
			return Transfer{}, fmt.Errorf("replace remote: %w", err)
		}
	}
	if err := sf.Rename(partial, remotePath); err != nil {
		_ = sf.Remove(partial)
		return Transfer{}, fmt.Errorf("rename remote: %w", err)
	}
	return Transfer{RemotePath: remotePath, Bytes: n, Checksum: local}, nil
}

// RemoteChecksum hashes a remote file by reading it back.
func RemoteChecksum(sf *sftp.Client, remotePath string) (string, error) {
	f, err := sf.Open(remotePath)
	if err != nil {
		return "", fmt.Errorf("open remote: %w", err)
	}
	defer f.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("read remote: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
