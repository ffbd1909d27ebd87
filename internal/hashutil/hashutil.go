// Package hashutil computes the MD5 content hash used as a file's
// content-addressed identifier: the 32-char lowercase hex digest of the
// whole file's contents. Identity is content-addressed; two files with
// the same digest are treated as the same file.
package hashutil

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
)

// HashReader reads all data from r and returns the hex-encoded MD5 hash.
func HashReader(r io.Reader) (string, error) {
	hasher := md5.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Verify reads all data from r and returns true if the hash matches expectedHash.
func Verify(r io.Reader, expectedHash string) (bool, error) {
	actualHash, err := HashReader(r)
	if err != nil {
		return false, err
	}
	return actualHash == expectedHash, nil
}

// FileID computes the content-addressed file_id for the file at path:
// the MD5 hex digest of its full contents.
func FileID(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return HashReader(f)
}
