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
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// MemoryFileSystem is an in-memory FileSystem for tests.
//
// Thread Safety: MemoryFileSystem is safe for concurrent use.
type MemoryFileSystem struct {
	mu    sync.RWMutex
	files map[string]string
	dirs  map[string]bool

	// FailWith, when set, is returned by every operation.
	FailWith error
}

// NewMemoryFileSystem creates an empty in-memory file system.
func NewMemoryFileSystem() *MemoryFileSystem {
	return &MemoryFileSystem{
		files: make(map[string]string),
		dirs:  map[string]bool{"/": true},
	}
}

func memPath(p string) string {
	return filepath.Clean("/" + strings.TrimPrefix(p, "/"))
}

// CreateDirectory implements FileSystem.
func (m *MemoryFileSystem) CreateDirectory(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	p := memPath(path)
	if m.dirs[p] {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, p)
	}
	if _, ok := m.files[p]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, p)
	}
	m.mkdirAll(p)
	return nil
}

func (m *MemoryFileSystem) mkdirAll(p string) {
	for d := p; ; d = filepath.Dir(d) {
		m.dirs[d] = true
		if d == "/" {
			return
		}
	}
}

// CreateFile implements FileSystem.
func (m *MemoryFileSystem) CreateFile(_ context.Context, path, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	p := memPath(path)
	if _, ok := m.files[p]; ok || m.dirs[p] {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, p)
	}
	m.mkdirAll(filepath.Dir(p))
	m.files[p] = content
	return nil
}

// ReadFile implements FileSystem.
func (m *MemoryFileSystem) ReadFile(_ context.Context, path string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailWith != nil {
		return "", m.FailWith
	}
	p := memPath(path)
	content, ok := m.files[p]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return content, nil
}

// UpdateFile implements FileSystem.
func (m *MemoryFileSystem) UpdateFile(_ context.Context, path, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	p := memPath(path)
	if _, ok := m.files[p]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	m.files[p] = content
	return nil
}

// ListFiles implements FileSystem.
func (m *MemoryFileSystem) ListFiles(_ context.Context, dir string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	d := memPath(dir)
	if !m.dirs[d] {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, d)
	}
	prefix := strings.TrimSuffix(d, "/") + "/"
	var out []string
	for p := range m.files {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Exists reports whether a file or directory exists at path.
func (m *MemoryFileSystem) Exists(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := memPath(path)
	_, isFile := m.files[p]
	return isFile || m.dirs[p]
}

// IsDir reports whether path is a directory.
func (m *MemoryFileSystem) IsDir(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dirs[memPath(path)]
}

// Files returns all file paths, sorted.
func (m *MemoryFileSystem) Files() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.files))
	for p := range m.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// FakeEnvironment is an Environment for tests that never spawns processes.
type FakeEnvironment struct {
	mu sync.Mutex
	fs FileSystem

	// InstallErr, when set, is returned by InstallRequirements.
	InstallErr error

	// VenvErr, when set, is returned by CreateVirtualEnvironment.
	VenvErr error

	// Installs records the manifests passed to InstallRequirements.
	Installs []string
}

// NewFakeEnvironment creates a fake that writes manifests to fs.
func NewFakeEnvironment(fs FileSystem) *FakeEnvironment {
	return &FakeEnvironment{fs: fs}
}

// CreateVirtualEnvironment implements Environment.
func (f *FakeEnvironment) CreateVirtualEnvironment(ctx context.Context, path string) (string, error) {
	if f.VenvErr != nil {
		return "", f.VenvErr
	}
	if err := f.fs.CreateDirectory(ctx, path); err != nil {
		return "", err
	}
	return filepath.Join(path, "bin", "python"), nil
}

// WriteRequirementsManifest implements Environment.
func (f *FakeEnvironment) WriteRequirementsManifest(ctx context.Context, projectPath string, requirements []string) (string, error) {
	return writeManifest(ctx, f.fs, projectPath, requirements)
}

// InstallRequirements implements Environment.
func (f *FakeEnvironment) InstallRequirements(_ context.Context, _, manifestPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Installs = append(f.Installs, manifestPath)
	return f.InstallErr
}

// FakeTestRunner is a TestRunner that replays scripted runs.
type FakeTestRunner struct {
	mu   sync.Mutex
	runs []*TestRun
	err  error

	// Calls counts RunTests invocations.
	Calls int
}

// NewFakeTestRunner creates a runner that replays runs in order and then
// repeats the last one. With no runs it always passes.
func NewFakeTestRunner(runs ...*TestRun) *FakeTestRunner {
	return &FakeTestRunner{runs: runs}
}

// WithError makes every run fail to execute.
func (f *FakeTestRunner) WithError(err error) *FakeTestRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
	return f
}

// RunTests implements TestRunner.
func (f *FakeTestRunner) RunTests(context.Context, string, string) (*TestRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.runs) == 0 {
		return &TestRun{Stdout: "1 passed"}, nil
	}
	run := *f.runs[0]
	if len(f.runs) > 1 {
		f.runs = f.runs[1:]
	}
	return &run, nil
}

// PassingRun returns a successful TestRun.
func PassingRun() *TestRun {
	return &TestRun{Stdout: "===== 1 passed in 0.01s ====="}
}

// FailingRun returns a failed TestRun with output.
func FailingRun(output string) *TestRun {
	return &TestRun{Stdout: output, ExitCode: 1}
}
