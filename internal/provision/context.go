// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
	digest "github.com/opencontainers/go-digest"
)

// DockerfileName is the Dockerfile written at the root of a build context.
const DockerfileName = "Dockerfile"

// PrepareContext creates a temporary build context under parent holding the
// Dockerfile and every stage file. The returned cleanup removes it.
func PrepareContext(parent string, d *Dockerfile) (dir string, cleanup func(), err error) {
	if parent == "" {
		parent = os.TempDir()
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", nil, fmt.Errorf("failed to create build context parent directory: %w", err)
	}

	dir, err = os.MkdirTemp(parent, "ctx-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	cleanup = func() {
		_ = os.RemoveAll(dir) // Temp context; error non-critical
	}

	if err := os.WriteFile(filepath.Join(dir, DockerfileName), []byte(d.String()), 0o644); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to write Dockerfile: %w", err)
	}

	for _, f := range d.Files {
		dst, err := securejoin.SecureJoin(dir, filepath.FromSlash(f.ContextPath))
		if err != nil {
			cleanup()
			return "", nil, fmt.Errorf("failed to resolve %s in build context: %w", f.ContextPath, err)
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			cleanup()
			return "", nil, fmt.Errorf("failed to create directory for %s: %w", f.ContextPath, err)
		}
		if err := CopyFile(f.HostPath, dst); err != nil {
			cleanup()
			return "", nil, fmt.Errorf("failed to copy %s: %w", f.HostPath, err)
		}
	}

	return dir, cleanup, nil
}

// HashFile returns the content digest of the file at path.
func HashFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }() // Read-only file; close error non-critical

	return digest.FromReader(f)
}

// CopyFile copies a file from src to dst, keeping the source mode.
func CopyFile(src, dst string) (err error) {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer func() { _ = srcFile.Close() }() // Read-only file; close error non-critical

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source file: %w", err)
	}
	if srcInfo.IsDir() {
		return fmt.Errorf("%s is a directory", src)
	}

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, srcInfo.Mode())
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	defer func() {
		if closeErr := dstFile.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close destination file: %w", closeErr)
		}
	}()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return fmt.Errorf("failed to copy file contents: %w", err)
	}
	return nil
}
