// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/AleutianAI/AleutianForge/services/forge/agent"
)

// feedbackLines caps how much test output a failed run prints.
const feedbackLines = 20

// Printer renders progress events and run summaries.
//
// Description:
//
//	Each stage gets its own section: the generated plan, the plan
//	verdict, the project paths, the step handled with its files, the
//	test verdict, the rework summary and the advance. ModeJSON writes
//	the raw event instead.
//
// Thread Safety:
//
//	Safe for concurrent use; writes are serialized.
type Printer struct {
	w    io.Writer
	mode Mode
	mu   sync.Mutex
}

// NewPrinter creates a Printer writing to w in mode.
func NewPrinter(w io.Writer, mode Mode) *Printer {
	if mode == "" {
		mode = ModePlain
	}
	return &Printer{w: w, mode: mode}
}

// Mode returns the printer's output mode.
func (p *Printer) Mode() Mode {
	return p.mode
}

// Event renders one progress event.
func (p *Printer) Event(ev *agent.ProgressEvent) error {
	if ev == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mode == ModeJSON {
		return p.writeJSON(map[string]any{"type": "progress", "event": ev})
	}

	var b strings.Builder
	p.header(&b, ev)
	switch out := ev.Output.(type) {
	case agent.PlanOutput:
		p.plan(&b, out)
	case agent.ValidationOutput:
		p.validation(&b, out)
	case agent.ScaffoldOutput:
		p.line(&b, "Project", out.ProjectFolder)
		p.line(&b, "Sources", out.SourceFolder)
		p.line(&b, "Tests", out.TestFolder)
		p.line(&b, "Python", out.RuntimePath)
	case agent.ImplementOutput:
		p.implement(&b, out)
	case agent.TestOutput:
		p.test(&b, out)
	case agent.ReworkOutput:
		p.status(&b, IconArrow, fmt.Sprintf("Rework attempt %d: %s", out.Attempt, out.Description))
		p.list(&b, "Requirements", out.Requirements)
	case agent.AdvanceOutput:
		total := len(out.Done) + len(out.Todo)
		p.status(&b, IconSuccess, fmt.Sprintf("Completed %q (%d/%d)", out.Completed, len(out.Done), total))
	}
	if ev.IsFinal() {
		p.status(&b, IconSuccess, "All steps done")
	}
	_, err := io.WriteString(p.w, b.String())
	return err
}

func (p *Printer) header(b *strings.Builder, ev *agent.ProgressEvent) {
	if p.mode == ModeRich {
		fmt.Fprintf(b, "\n%s %s\n", Styles.Stage.Render(string(ev.Stage)),
			Styles.Muted.Render(fmt.Sprintf("#%d %s %s", ev.Sequence, IconArrow, ev.Next)))
		return
	}
	fmt.Fprintf(b, "[%s] #%d -> %s\n", ev.Stage, ev.Sequence, ev.Next)
}

func (p *Printer) plan(b *strings.Builder, out agent.PlanOutput) {
	title := "Generated plan: " + out.ProjectName
	if out.Revision {
		title = "Revised plan: " + out.ProjectName
	}
	if p.mode == ModeRich {
		fmt.Fprintln(b, Styles.Title.Render(title))
		if out.Description != "" {
			fmt.Fprintln(b, Styles.Subtitle.Render(out.Description))
		}
		for i, step := range out.Steps {
			fmt.Fprintf(b, "  %s %s\n", Styles.Muted.Render(fmt.Sprintf("%d.", i+1)), step)
		}
		return
	}
	fmt.Fprintln(b, title)
	if out.Description != "" {
		fmt.Fprintln(b, out.Description)
	}
	for i, step := range out.Steps {
		fmt.Fprintf(b, "  %d. %s\n", i+1, step)
	}
}

func (p *Printer) validation(b *strings.Builder, out agent.ValidationOutput) {
	if out.OK {
		p.status(b, IconSuccess, "Plan accepted")
		return
	}
	p.status(b, IconWarning, "Plan rejected")
	p.box(b, "Feedback", out.Feedback, false)
}

func (p *Printer) implement(b *strings.Builder, out agent.ImplementOutput) {
	label := "Step"
	if out.ReworkAware {
		label = "Step (after failed tests)"
	}
	p.line(b, label, out.Step)
	if out.Description != "" {
		p.line(b, "Summary", out.Description)
	}
	if out.EntryPoint != "" {
		p.line(b, "Entry point", out.EntryPoint)
	}
	p.files(b, "Source files", out.SourceFiles)
	p.files(b, "Test files", out.TestFiles)
	p.list(b, "Requirements", out.Requirements)
}

func (p *Printer) test(b *strings.Builder, out agent.TestOutput) {
	if out.Passed {
		p.status(b, IconSuccess, fmt.Sprintf("Tests passed in %s", out.Duration.Round(time.Millisecond)))
		return
	}
	msg := fmt.Sprintf("Tests failed (exit %d)", out.ExitCode)
	if out.TimedOut {
		msg = "Tests timed out"
	}
	p.status(b, IconError, msg)
	p.box(b, "Test output", TailLines(out.Feedback, feedbackLines), true)
}

func (p *Printer) status(b *strings.Builder, icon Icon, text string) {
	if p.mode == ModeRich {
		fmt.Fprintf(b, "%s %s\n", icon.Render(), text)
		return
	}
	fmt.Fprintf(b, "%s %s\n", icon, text)
}

func (p *Printer) line(b *strings.Builder, label, value string) {
	if p.mode == ModeRich {
		fmt.Fprintf(b, "%s %s\n", Styles.Bold.Render(label+":"), value)
		return
	}
	fmt.Fprintf(b, "%s: %s\n", label, value)
}

func (p *Printer) list(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	p.line(b, label, strings.Join(items, ", "))
}

func (p *Printer) files(b *strings.Builder, label string, files []agent.FileEntry) {
	if len(files) == 0 {
		return
	}
	p.line(b, label, "")
	for _, f := range files {
		desc := ""
		if f.Description != "" {
			desc = " - " + f.Description
			if p.mode == ModeRich {
				desc = Styles.Muted.Render(desc)
			}
		}
		fmt.Fprintf(b, "  %s %s%s\n", IconBullet, f.Path, desc)
	}
}

func (p *Printer) box(b *strings.Builder, title, content string, isErr bool) {
	content = strings.TrimRight(content, "\n")
	if content == "" {
		return
	}
	if p.mode != ModeRich {
		fmt.Fprintf(b, "%s:\n%s\n", title, content)
		return
	}
	style := Styles.Box
	titleStyle := Styles.Title
	if isErr {
		style = Styles.ErrorBox
		titleStyle = Styles.Error.Bold(true)
	}
	fmt.Fprintln(b, style.Render(titleStyle.Render(title)+"\n"+content))
}

// Summary renders the final state of a run.
func (p *Printer) Summary(runID string, state *agent.ProjectState) error {
	if state == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mode == ModeJSON {
		return p.writeJSON(map[string]any{"type": "done", "run_id": runID, "state": state})
	}

	var b strings.Builder
	fmt.Fprintln(&b)
	if p.mode == ModeRich {
		fmt.Fprintln(&b, Styles.Title.Render("Project "+state.ProjectName+" is ready"))
	} else {
		fmt.Fprintf(&b, "Project %s is ready\n", state.ProjectName)
	}
	p.line(&b, "Run", runID)
	p.line(&b, "Folder", state.ProjectFolder)
	if state.EntryPoint != "" {
		p.line(&b, "Run it with", state.EntryPoint)
	}
	p.files(&b, "Source files", state.SourceFiles.Entries())
	p.files(&b, "Test files", state.TestFiles.Entries())
	p.list(&b, "Requirements", state.Requirements.Sorted())
	_, err := io.WriteString(p.w, b.String())
	return err
}

// Failure renders a fatal run error.
func (p *Printer) Failure(runID string, runErr error) error {
	if runErr == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mode == ModeJSON {
		return p.writeJSON(map[string]any{"type": "error", "run_id": runID, "error": runErr.Error()})
	}
	var b strings.Builder
	msg := runErr.Error()
	if runID != "" {
		msg += "\nResume with: forge resume " + runID
	}
	if p.mode == ModeRich {
		fmt.Fprintln(&b, Styles.ErrorBox.Render(Styles.Error.Bold(true).Render("Run failed")+"\n"+msg))
	} else {
		fmt.Fprintf(&b, "Run failed: %s\n", msg)
	}
	_, err := io.WriteString(p.w, b.String())
	return err
}

// Table renders rows under headers.
func (p *Printer) Table(headers []string, rows [][]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.mode {
	case ModeJSON:
		out := make([]map[string]string, 0, len(rows))
		for _, row := range rows {
			rec := make(map[string]string, len(headers))
			for i, h := range headers {
				if i < len(row) {
					rec[strings.ToLower(h)] = row[i]
				}
			}
			out = append(out, rec)
		}
		return p.writeJSON(out)
	case ModeRich:
		t := table.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(ColorTealDeep)).
			StyleFunc(func(row, _ int) lipgloss.Style {
				if row == table.HeaderRow {
					return Styles.Highlight.Padding(0, 1)
				}
				return lipgloss.NewStyle().Padding(0, 1)
			}).
			Headers(headers...).
			Rows(rows...)
		_, err := fmt.Fprintln(p.w, t.Render())
		return err
	default:
		tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, strings.Join(headers, "\t"))
		for _, row := range rows {
			fmt.Fprintln(tw, strings.Join(row, "\t"))
		}
		return tw.Flush()
	}
}

// JSON writes v as one JSON line regardless of mode.
func (p *Printer) JSON(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeJSON(v)
}

func (p *Printer) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(p.w, string(data))
	return err
}

// TailLines returns the last n lines of s.
func TailLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if n <= 0 || s == "" {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
