// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools provides the capabilities the Forge stages act through:
// file operations, Python environment management and test execution.
//
// Local implementations work on the real file system and spawn processes.
// Memory implementations back the stage tests. Toolbox exposes the file
// capabilities to the model as callable tools.
package tools

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for capability failures.
var (
	// ErrAlreadyExists indicates a create targeted an existing path.
	ErrAlreadyExists = errors.New("path already exists")

	// ErrNotFound indicates a read or update targeted a missing path.
	ErrNotFound = errors.New("path not found")

	// ErrPermission indicates the OS denied access.
	ErrPermission = errors.New("permission denied")

	// ErrOutsideWorkspace indicates a path escapes the workspace root.
	ErrOutsideWorkspace = errors.New("path outside workspace")

	// ErrIsDirectory indicates a file operation targeted a directory.
	ErrIsDirectory = errors.New("path is a directory")

	// ErrAlreadyWritten indicates a second write to a path in one pass.
	ErrAlreadyWritten = errors.New("path already written in this pass")
)

// ProcessError reports a process that exited unsuccessfully.
type ProcessError struct {
	Command  string
	ExitCode int
	Output   string
}

// Error implements the error interface.
func (e *ProcessError) Error() string {
	return fmt.Sprintf("%s exited with code %d: %s", e.Command, e.ExitCode, truncate(e.Output, 2000))
}

// FileSystem creates, reads and updates project files.
type FileSystem interface {
	// CreateDirectory creates path and any missing parents.
	// Fails with ErrAlreadyExists if path exists.
	CreateDirectory(ctx context.Context, path string) error

	// CreateFile writes a new file, creating parent directories.
	// Fails with ErrAlreadyExists if path exists.
	CreateFile(ctx context.Context, path, content string) error

	// ReadFile returns the file's content. Fails with ErrNotFound.
	ReadFile(ctx context.Context, path string) (string, error)

	// UpdateFile replaces an existing file's content. Fails with ErrNotFound.
	UpdateFile(ctx context.Context, path, content string) error

	// ListFiles returns every regular file under dir, recursively, as
	// sorted paths in the same form as dir. Fails with ErrNotFound.
	ListFiles(ctx context.Context, dir string) ([]string, error)
}

// Environment manages the isolated Python runtime of a project.
type Environment interface {
	// CreateVirtualEnvironment creates a runtime at path and returns the
	// interpreter path.
	CreateVirtualEnvironment(ctx context.Context, path string) (string, error)

	// WriteRequirementsManifest writes <projectPath>/requirements.txt with
	// one requirement per line and returns its path.
	WriteRequirementsManifest(ctx context.Context, projectPath string, requirements []string) (string, error)

	// InstallRequirements installs the manifest into the runtime.
	InstallRequirements(ctx context.Context, runtimePath, manifestPath string) error
}

// TestRun is the outcome of a test-suite execution.
type TestRun struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
}

// Passed returns true if the suite exited cleanly within its timeout.
func (r *TestRun) Passed() bool {
	return r != nil && r.ExitCode == 0 && !r.TimedOut
}

// Output returns stdout and stderr combined.
func (r *TestRun) Output() string {
	if r == nil {
		return ""
	}
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// TestRunner executes a project's test suite.
type TestRunner interface {
	// RunTests runs the tests in testDir with the given interpreter.
	// A failing suite is not an error; the error return is reserved for
	// being unable to run the suite at all.
	RunTests(ctx context.Context, testDir, runtimePath string) (*TestRun, error)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
