package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"
)

// BundleInfo describes a bundle handed to a stager
type BundleInfo struct {
	Path     string
	Size     int64
	Checksum string
	ModTime  time.Time
}

// GetBundleInfo returns size and sha256 checksum of a bundle
func GetBundleInfo(path string) (BundleInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return BundleInfo{}, fmt.Errorf("stat bundle: %w", err)
	}

	checksum, err := Checksum(path)
	if err != nil {
		return BundleInfo{}, fmt.Errorf("checksum bundle: %w", err)
	}

	return BundleInfo{
		Path:     path,
		Size:     stat.Size(),
		Checksum: checksum,
		ModTime:  stat.ModTime(),
	}, nil
}

// Checksum calculates the hex SHA256 of a file
func Checksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}
