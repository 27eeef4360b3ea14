// Package storage provides uniform read/write over local scratch
// directories and object storage. It computes content hashes and never
// mutates shared state.
package storage

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// Sha256Hex returns the lowercase hex sha256 of b. Resources are
// identified by the hash of their contents.
func Sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Md5Hex returns the lowercase hex md5 of s. Source registry keys use
// md5 for compatibility with the existing collection files.
func Md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// WriteAtomic writes data to path via a temp file and rename, creating
// parent directories as needed. Readers never observe a partial file.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "storage: create dir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return eris.Wrap(err, "storage: create temp file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return eris.Wrapf(err, "storage: write %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return eris.Wrapf(err, "storage: close %s", tmpName)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return eris.Wrapf(err, "storage: rename to %s", path)
	}
	return nil
}

// SaveContentAddressed writes body under dir using its sha256 as the
// filename and returns the hash. Re-saving identical bytes is a no-op on
// the same path, which makes repeated fetches idempotent.
func SaveContentAddressed(dir string, body []byte) (string, error) {
	hash := Sha256Hex(body)
	path := filepath.Join(dir, hash)

	if info, err := os.Stat(path); err == nil && info.Size() == int64(len(body)) {
		return hash, nil
	}
	if err := WriteAtomic(path, body); err != nil {
		return "", err
	}
	return hash, nil
}

// Exists reports whether path names a regular file with content.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
