// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalFileSystem implements FileSystem on disk, confined to a root.
//
// Description:
//
//	Relative paths resolve against the root. Absolute paths must lie
//	inside it. Symlinks are not followed when checking containment.
//
// Thread Safety: LocalFileSystem is safe for concurrent use.
type LocalFileSystem struct {
	root string
}

// NewLocalFileSystem creates a file system rooted at root.
//
// Outputs:
//
//	*LocalFileSystem - The file system
//	error - Non-nil if root cannot be made absolute or created
func NewLocalFileSystem(root string) (*LocalFileSystem, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", mapOSError(err))
	}
	return &LocalFileSystem{root: abs}, nil
}

// Root returns the absolute workspace root.
func (l *LocalFileSystem) Root() string {
	return l.root
}

// Resolve returns the absolute path for p or ErrOutsideWorkspace.
func (l *LocalFileSystem) Resolve(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("%w: empty path", ErrNotFound)
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(l.root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(l.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, p)
	}
	return p, nil
}

// CreateDirectory implements FileSystem.
func (l *LocalFileSystem) CreateDirectory(_ context.Context, path string) error {
	abs, err := l.Resolve(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, abs)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", abs, mapOSError(err))
	}
	return nil
}

// CreateFile implements FileSystem.
func (l *LocalFileSystem) CreateFile(_ context.Context, path, content string) error {
	abs, err := l.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", abs, mapOSError(err))
	}
	f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create file %s: %w", abs, mapOSError(err))
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return fmt.Errorf("write file %s: %w", abs, mapOSError(err))
	}
	return f.Close()
}

// ReadFile implements FileSystem.
func (l *LocalFileSystem) ReadFile(_ context.Context, path string) (string, error) {
	abs, err := l.Resolve(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("read file %s: %w", abs, mapOSError(err))
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrIsDirectory, abs)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read file %s: %w", abs, mapOSError(err))
	}
	return string(data), nil
}

// UpdateFile implements FileSystem.
func (l *LocalFileSystem) UpdateFile(_ context.Context, path, content string) error {
	abs, err := l.Resolve(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("update file %s: %w", abs, mapOSError(err))
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s", ErrIsDirectory, abs)
	}
	if err := os.WriteFile(abs, []byte(content), info.Mode().Perm()); err != nil {
		return fmt.Errorf("update file %s: %w", abs, mapOSError(err))
	}
	return nil
}

// ListFiles implements FileSystem.
func (l *LocalFileSystem) ListFiles(ctx context.Context, dir string) ([]string, error) {
	abs, err := l.Resolve(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", abs, mapOSError(err))
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("list %s: not a directory", abs)
	}

	var files []string
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", abs, mapOSError(err))
	}
	return files, nil
}

// mapOSError translates OS errors to the package sentinels.
func mapOSError(err error) error {
	switch {
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", ErrPermission, err)
	default:
		return err
	}
}
