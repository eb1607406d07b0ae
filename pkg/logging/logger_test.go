// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
		err  bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.err {
				assert.ErrorIs(t, err, ErrUnknownLevel)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLevel_String(t *testing.T) {
	assert.Equal(t, "warn", LevelWarn.String())
	assert.Equal(t, "level(9)", Level(9).String())
}

func TestNew_TextToOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Service: "forge", Output: &buf})
	defer l.Close()

	l.Slog().Debug("hidden")
	l.Slog().Info("stage finished", "stage", "plan")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "stage finished")
	assert.Contains(t, out, "stage=plan")
	assert.Contains(t, out, "service=forge")
	assert.Empty(t, l.FilePath())
}

func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelDebug, JSON: true, Output: &buf})
	l.Slog().Debug("hello", "n", 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.EqualValues(t, 1, rec["n"])
}

func TestNew_FileSink(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, LogDir: dir, Service: "forge", Output: &buf})

	l.Slog().Info("run started", "run_id", "abc")
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	path := l.FilePath()
	assert.Equal(t, dir, filepath.Dir(path))
	assert.True(t, strings.HasPrefix(filepath.Base(path), "forge_"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	assert.Equal(t, "run started", rec["msg"])
	assert.Equal(t, "abc", rec["run_id"])
	assert.Equal(t, "forge", rec["service"])

	assert.Contains(t, buf.String(), "run started")
}

func TestNew_UnwritableLogDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0600))

	var buf bytes.Buffer
	l := New(Config{LogDir: filepath.Join(file, "logs"), Output: &buf})
	defer l.Close()

	assert.Empty(t, l.FilePath())
	assert.Contains(t, buf.String(), "File logging disabled")
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".aleutian"), ExpandHome("~/.aleutian"))
	assert.Equal(t, "/var/log", ExpandHome("/var/log"))
	assert.Equal(t, "~user/x", ExpandHome("~user/x"))
}
