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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianForge/services/forge/agent/llm"
)

// Tool names exposed to the model.
const (
	ToolCreateDirectory = "create_directory"
	ToolCreateFile      = "create_file"
	ToolReadFile        = "read_file"
	ToolUpdateFile      = "update_file"
)

type pathArgs struct {
	Path string `json:"path" validate:"required"`
}

type contentArgs struct {
	Path    string `json:"path" validate:"required"`
	Content string `json:"content"`
}

var toolDefinitions = map[string]llm.ToolDefinition{
	ToolCreateDirectory: {
		Name:        ToolCreateDirectory,
		Description: "Create a directory and any missing parents. Fails if it already exists.",
		Parameters:  objectSchema(map[string]any{"path": stringProp("Directory path")}, "path"),
	},
	ToolCreateFile: {
		Name:        ToolCreateFile,
		Description: "Create a new file with the given content. Fails if the file already exists; use update_file instead.",
		Parameters: objectSchema(map[string]any{
			"path":    stringProp("File path"),
			"content": stringProp("Full file content"),
		}, "path", "content"),
	},
	ToolReadFile: {
		Name:        ToolReadFile,
		Description: "Read the content of an existing file.",
		Parameters:  objectSchema(map[string]any{"path": stringProp("File path")}, "path"),
	},
	ToolUpdateFile: {
		Name:        ToolUpdateFile,
		Description: "Replace the full content of an existing file.",
		Parameters: objectSchema(map[string]any{
			"path":    stringProp("File path"),
			"content": stringProp("Full new file content"),
		}, "path", "content"),
	},
}

// Toolbox exposes FileSystem operations to a model tool loop.
//
// Description:
//
//	Toolbox implements llm.ToolExecutor. Relative paths resolve against
//	the base directory. Errors the model can act on (existing or missing
//	paths, bad arguments, paths outside the workspace) are wrapped with
//	llm.ErrToolRejected so the loop reports them back. Other errors abort
//	the loop.
//
// Thread Safety: Toolbox is safe for concurrent use.
type Toolbox struct {
	fs          FileSystem
	baseDir     string
	enabled     []string
	singleWrite bool
	validate    *validator.Validate

	mu      sync.Mutex
	written map[string]bool
	order   []string
}

// ToolboxOption configures a Toolbox.
type ToolboxOption func(*Toolbox)

// WithBaseDir sets the directory relative paths resolve against.
func WithBaseDir(dir string) ToolboxOption {
	return func(t *Toolbox) {
		t.baseDir = dir
	}
}

// WithTools restricts the toolbox to the named tools.
func WithTools(names ...string) ToolboxOption {
	return func(t *Toolbox) {
		t.enabled = names
	}
}

// WithSingleWrite rejects a second write to the same path.
func WithSingleWrite() ToolboxOption {
	return func(t *Toolbox) {
		t.singleWrite = true
	}
}

// NewToolbox creates a toolbox over fs with all file tools enabled.
func NewToolbox(fs FileSystem, opts ...ToolboxOption) *Toolbox {
	t := &Toolbox{
		fs:       fs,
		enabled:  []string{ToolCreateDirectory, ToolCreateFile, ToolReadFile, ToolUpdateFile},
		validate: validator.New(),
		written:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Definitions implements llm.ToolExecutor.
func (t *Toolbox) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(t.enabled))
	for _, name := range t.enabled {
		if def, ok := toolDefinitions[name]; ok {
			defs = append(defs, def)
		}
	}
	return defs
}

// Execute implements llm.ToolExecutor.
func (t *Toolbox) Execute(ctx context.Context, call llm.ToolCall) (string, error) {
	if !slices.Contains(t.enabled, call.Name) {
		return "", fmt.Errorf("%w: unknown tool %q", llm.ErrToolRejected, call.Name)
	}

	var out string
	var err error
	switch call.Name {
	case ToolCreateDirectory:
		var args pathArgs
		if err = t.decode(call.Arguments, &args); err != nil {
			return "", err
		}
		path := t.resolve(args.Path)
		err = t.fs.CreateDirectory(ctx, path)
		out = "created directory " + path

	case ToolCreateFile, ToolUpdateFile:
		var args contentArgs
		if err = t.decode(call.Arguments, &args); err != nil {
			return "", err
		}
		path := t.resolve(args.Path)
		if err = t.claimWrite(path); err != nil {
			return "", err
		}
		if call.Name == ToolCreateFile {
			err = t.fs.CreateFile(ctx, path, args.Content)
			out = "created file " + path
		} else {
			err = t.fs.UpdateFile(ctx, path, args.Content)
			out = "updated file " + path
		}
		if err != nil {
			t.releaseWrite(path)
		} else {
			t.recordWrite(path)
		}

	case ToolReadFile:
		var args pathArgs
		if err = t.decode(call.Arguments, &args); err != nil {
			return "", err
		}
		out, err = t.fs.ReadFile(ctx, t.resolve(args.Path))
	}

	if err != nil {
		slog.Debug("Tool call failed",
			slog.String("tool", call.Name),
			slog.String("error", err.Error()),
		)
		return "", classify(err)
	}
	return out, nil
}

// Written returns the absolute paths written through the toolbox in order.
func (t *Toolbox) Written() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.order)
}

func (t *Toolbox) resolve(p string) string {
	if t.baseDir == "" || filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(t.baseDir, p)
}

func (t *Toolbox) decode(raw string, out any) error {
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("%w: invalid arguments: %v", llm.ErrToolRejected, err)
	}
	if err := t.validate.Struct(out); err != nil {
		return fmt.Errorf("%w: invalid arguments: %v", llm.ErrToolRejected, err)
	}
	return nil
}

// claimWrite reserves path in single-write mode.
func (t *Toolbox) claimWrite(path string) error {
	if !t.singleWrite {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.written[path] {
		return fmt.Errorf("%w: %w: %s", llm.ErrToolRejected, ErrAlreadyWritten, path)
	}
	t.written[path] = true
	return nil
}

func (t *Toolbox) releaseWrite(path string) {
	if !t.singleWrite {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.written, path)
}

func (t *Toolbox) recordWrite(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !slices.Contains(t.order, path) {
		t.order = append(t.order, path)
	}
}

// classify marks errors the model can recover from.
func classify(err error) error {
	for _, target := range []error{ErrAlreadyExists, ErrNotFound, ErrOutsideWorkspace, ErrIsDirectory} {
		if errors.Is(err, target) {
			return fmt.Errorf("%w: %w", llm.ErrToolRejected, err)
		}
	}
	return err
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}
