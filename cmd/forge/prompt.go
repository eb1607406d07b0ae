// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
)

// errNoDescription is returned when no description was given.
var errNoDescription = errors.New("a software description is required")

// maxPipedDescription caps a description read from stdin.
const maxPipedDescription = 64 << 10

// readDescription returns the software description for forge run.
//
// Description:
//
//	Arguments win. Without them a terminal stdin gets an interactive
//	prompt and a piped stdin is read to EOF.
func readDescription(ctx context.Context, args []string, in *os.File) (string, error) {
	var desc string
	switch {
	case len(args) > 0:
		desc = strings.Join(args, " ")
	case isatty.IsTerminal(in.Fd()) || isatty.IsCygwinTerminal(in.Fd()):
		d, err := promptDescription(ctx, in)
		if err != nil {
			return "", err
		}
		desc = d
	default:
		d, err := readPiped(in)
		if err != nil {
			return "", err
		}
		desc = d
	}
	if strings.TrimSpace(desc) == "" {
		return "", errNoDescription
	}
	return desc, nil
}

func readPiped(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxPipedDescription))
	if err != nil {
		return "", fmt.Errorf("read description from stdin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// descriptionModel is the bubbletea model of the description prompt.
type descriptionModel struct {
	input    textinput.Model
	canceled bool
}

func newDescriptionModel() descriptionModel {
	ti := textinput.New()
	ti.Prompt = "Describe the software: "
	ti.Placeholder = "a CLI calculator"
	ti.CharLimit = 4096
	ti.Width = 80
	ti.Focus()
	return descriptionModel{input: ti}
}

func promptDescription(ctx context.Context, in *os.File) (string, error) {
	p := tea.NewProgram(newDescriptionModel(),
		tea.WithContext(ctx),
		tea.WithInput(in),
		tea.WithOutput(os.Stderr),
	)
	final, err := p.Run()
	if err != nil {
		return "", fmt.Errorf("description prompt: %w", err)
	}
	m, ok := final.(descriptionModel)
	if !ok {
		return "", fmt.Errorf("unexpected model type from bubbletea: %T", final)
	}
	if m.canceled {
		return "", errNoDescription
	}
	return m.value(), nil
}

func (m descriptionModel) value() string {
	return strings.TrimSpace(m.input.Value())
}

func (m descriptionModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m descriptionModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.Type {
		case tea.KeyEnter:
			if m.value() == "" {
				return m, nil
			}
			return m, tea.Quit
		case tea.KeyCtrlC, tea.KeyCtrlD, tea.KeyEsc:
			m.canceled = true
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m descriptionModel) View() string {
	if m.canceled {
		return ""
	}
	return m.input.View() + "\n"
}
