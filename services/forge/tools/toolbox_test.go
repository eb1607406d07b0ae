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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianForge/services/forge/agent/llm"
)

func call(name string, args map[string]any) llm.ToolCall {
	data, _ := json.Marshal(args)
	return llm.ToolCall{ID: "c1", Name: name, Arguments: string(data)}
}

func TestToolbox_Definitions(t *testing.T) {
	all := NewToolbox(NewMemoryFileSystem()).Definitions()
	assert.Len(t, all, 4)

	limited := NewToolbox(NewMemoryFileSystem(), WithTools(ToolUpdateFile, ToolReadFile)).Definitions()
	require.Len(t, limited, 2)
	assert.Equal(t, ToolUpdateFile, limited[0].Name)
	assert.Equal(t, "object", limited[0].Parameters["type"])
}

func TestToolbox_CreateReadUpdate(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryFileSystem()
	box := NewToolbox(mem, WithBaseDir("/work/calc"))

	_, err := box.Execute(ctx, call(ToolCreateFile, map[string]any{"path": "src/calc.py", "content": "v1"}))
	require.NoError(t, err)
	assert.True(t, mem.Exists("/work/calc/src/calc.py"))

	out, err := box.Execute(ctx, call(ToolReadFile, map[string]any{"path": "/work/calc/src/calc.py"}))
	require.NoError(t, err)
	assert.Equal(t, "v1", out)

	_, err = box.Execute(ctx, call(ToolUpdateFile, map[string]any{"path": "src/calc.py", "content": "v2"}))
	require.NoError(t, err)

	out, _ = box.Execute(ctx, call(ToolReadFile, map[string]any{"path": "src/calc.py"}))
	assert.Equal(t, "v2", out)
	assert.Equal(t, []string{"/work/calc/src/calc.py"}, box.Written())
}

func TestToolbox_RecoverableErrorsAreRejected(t *testing.T) {
	ctx := context.Background()
	box := NewToolbox(NewMemoryFileSystem())

	tests := []struct {
		name string
		call llm.ToolCall
	}{
		{"missing file", call(ToolReadFile, map[string]any{"path": "/nope.py"})},
		{"update missing", call(ToolUpdateFile, map[string]any{"path": "/nope.py", "content": "x"})},
		{"bad json", llm.ToolCall{Name: ToolCreateFile, Arguments: "{"}},
		{"missing path", call(ToolCreateFile, map[string]any{"content": "x"})},
		{"unknown tool", call("delete_everything", map[string]any{})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := box.Execute(ctx, tt.call)
			assert.ErrorIs(t, err, llm.ErrToolRejected)
		})
	}
}

func TestToolbox_FatalErrorsPassThrough(t *testing.T) {
	mem := NewMemoryFileSystem()
	mem.FailWith = errors.New("disk on fire")
	box := NewToolbox(mem)

	_, err := box.Execute(context.Background(), call(ToolCreateFile, map[string]any{"path": "/a.py", "content": "x"}))
	require.Error(t, err)
	assert.NotErrorIs(t, err, llm.ErrToolRejected)
}

func TestToolbox_SingleWrite(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryFileSystem()
	require.NoError(t, mem.CreateFile(ctx, "/p/src/a.py", "v0"))
	box := NewToolbox(mem, WithSingleWrite(), WithTools(ToolUpdateFile))

	// A failed write does not use up the path.
	_, err := box.Execute(ctx, call(ToolUpdateFile, map[string]any{"path": "/p/src/b.py", "content": "x"}))
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mem.CreateFile(ctx, "/p/src/b.py", ""))
	_, err = box.Execute(ctx, call(ToolUpdateFile, map[string]any{"path": "/p/src/b.py", "content": "x"}))
	require.NoError(t, err)

	_, err = box.Execute(ctx, call(ToolUpdateFile, map[string]any{"path": "/p/src/a.py", "content": "v1"}))
	require.NoError(t, err)

	_, err = box.Execute(ctx, call(ToolUpdateFile, map[string]any{"path": "/p/src/a.py", "content": "v2"}))
	assert.ErrorIs(t, err, ErrAlreadyWritten)
	assert.ErrorIs(t, err, llm.ErrToolRejected)

	got, _ := mem.ReadFile(ctx, "/p/src/a.py")
	assert.Equal(t, "v1", got)

	_, err = box.Execute(ctx, call(ToolReadFile, map[string]any{"path": "/p/src/a.py"}))
	assert.ErrorIs(t, err, llm.ErrToolRejected, "read_file is not enabled")
}
