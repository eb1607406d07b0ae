// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// =============================================================================
// FileSet
// =============================================================================

// FileSet is an ordered map of project-relative path to description.
//
// Description:
//
//	Keys are unique. Upserting an existing path replaces its description
//	in place and keeps its original position, so listings stay stable
//	across steps.
type FileSet struct {
	entries []FileEntry
	index   map[string]int
}

// NewFileSet creates an empty file set.
func NewFileSet() *FileSet {
	return &FileSet{index: make(map[string]int)}
}

// Upsert inserts or replaces the entry for each file's path.
//
// Inputs:
//
//	files - Entries to merge. Later entries for the same path win.
func (f *FileSet) Upsert(files ...FileEntry) {
	if f.index == nil {
		f.index = make(map[string]int)
	}
	for _, file := range files {
		if file.Path == "" {
			continue
		}
		if i, ok := f.index[file.Path]; ok {
			f.entries[i] = file
			continue
		}
		f.index[file.Path] = len(f.entries)
		f.entries = append(f.entries, file)
	}
}

// Get returns the entry for path.
func (f *FileSet) Get(path string) (FileEntry, bool) {
	if f == nil {
		return FileEntry{}, false
	}
	i, ok := f.index[path]
	if !ok {
		return FileEntry{}, false
	}
	return f.entries[i], true
}

// Len returns the number of files.
func (f *FileSet) Len() int {
	if f == nil {
		return 0
	}
	return len(f.entries)
}

// Entries returns a copy of the entries in insertion order.
func (f *FileSet) Entries() []FileEntry {
	if f == nil {
		return nil
	}
	return slices.Clone(f.entries)
}

// Paths returns the paths in insertion order.
func (f *FileSet) Paths() []string {
	if f == nil {
		return nil
	}
	paths := make([]string, len(f.entries))
	for i, e := range f.entries {
		paths[i] = e.Path
	}
	return paths
}

// Listing renders the set as "path: description" lines for prompts.
func (f *FileSet) Listing() string {
	if f.Len() == 0 {
		return "(none)"
	}
	var sb strings.Builder
	for _, e := range f.entries {
		fmt.Fprintf(&sb, "- %s: %s\n", e.Path, e.Description)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Clone returns a deep copy.
func (f *FileSet) Clone() *FileSet {
	c := NewFileSet()
	if f != nil {
		c.Upsert(f.entries...)
	}
	return c
}

// MarshalJSON encodes the set as an ordered list of entries.
func (f *FileSet) MarshalJSON() ([]byte, error) {
	entries := f.Entries()
	if entries == nil {
		entries = []FileEntry{}
	}
	return json.Marshal(entries)
}

// UnmarshalJSON decodes an ordered list of entries.
func (f *FileSet) UnmarshalJSON(data []byte) error {
	var entries []FileEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	f.entries = nil
	f.index = make(map[string]int, len(entries))
	f.Upsert(entries...)
	return nil
}

// =============================================================================
// RequirementSet
// =============================================================================

// RequirementSet is a set of dependency specifiers.
type RequirementSet map[string]struct{}

// NewRequirementSet creates a set holding reqs.
func NewRequirementSet(reqs ...string) RequirementSet {
	s := make(RequirementSet, len(reqs))
	s.Add(reqs...)
	return s
}

// Add unions reqs into the set. Blank entries are ignored.
func (s RequirementSet) Add(reqs ...string) {
	for _, r := range reqs {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		s[r] = struct{}{}
	}
}

// Has reports whether req is in the set.
func (s RequirementSet) Has(req string) bool {
	_, ok := s[req]
	return ok
}

// Sorted returns the members in lexical order.
func (s RequirementSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Clone returns a copy of the set.
func (s RequirementSet) Clone() RequirementSet {
	c := make(RequirementSet, len(s))
	for r := range s {
		c[r] = struct{}{}
	}
	return c
}

// MarshalJSON encodes the set as a sorted list.
func (s RequirementSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes a list into the set.
func (s *RequirementSet) UnmarshalJSON(data []byte) error {
	var reqs []string
	if err := json.Unmarshal(data, &reqs); err != nil {
		return err
	}
	*s = NewRequirementSet(reqs...)
	return nil
}

// =============================================================================
// PlanRequest
// =============================================================================

// PlanRequest is the input to plan generation.
//
// Description:
//
//	It is either a FreshPlan or a RevisionPlan. The unexported marker
//	method closes the set of variants to this package.
type PlanRequest interface {
	planRequest()
	// SoftwareDescription returns the description being planned.
	SoftwareDescription() string
}

// FreshPlan requests a first plan for a description.
type FreshPlan struct {
	Description string
}

func (FreshPlan) planRequest() {}

// SoftwareDescription implements PlanRequest.
func (p FreshPlan) SoftwareDescription() string { return p.Description }

// RevisionPlan requests a revised plan after the validator rejected one.
type RevisionPlan struct {
	Description string
	Feedback    string
	PriorSteps  []string
}

func (RevisionPlan) planRequest() {}

// SoftwareDescription implements PlanRequest.
func (p RevisionPlan) SoftwareDescription() string { return p.Description }

// ImplementMode selects how the implementation stage frames its prompt.
type ImplementMode string

const (
	// ImplementFirstAttempt is used for a step that has not been tested yet.
	ImplementFirstAttempt ImplementMode = "first_attempt"

	// ImplementReworkAware includes the last failing test output.
	ImplementReworkAware ImplementMode = "rework_aware"
)

// =============================================================================
// ProjectState
// =============================================================================

// ProjectState is the aggregate threaded through every stage of a run.
//
// Description:
//
//	Created from the software description at the start of a run and then
//	mutated in place by exactly one stage at a time. The mutation helpers
//	below are the only supported way to change the plan and step lists so
//	the todo/done invariants hold.
type ProjectState struct {
	// SoftwareDescription is the user's description. Immutable.
	SoftwareDescription string `json:"software_description"`

	// ProjectName is the curated name from the latest plan.
	ProjectName string `json:"project_name"`

	// PlanDescription is the approach text returned with the plan.
	PlanDescription string `json:"plan_description,omitempty"`

	// ProjectFolder, SourceFolder, TestFolder and RuntimePath are set once
	// by scaffolding.
	ProjectFolder string `json:"project_folder,omitempty"`
	SourceFolder  string `json:"source_folder,omitempty"`
	TestFolder    string `json:"test_folder,omitempty"`
	RuntimePath   string `json:"runtime_path,omitempty"`

	// PlanSteps is the latest plan in order.
	PlanSteps []string `json:"plan_steps"`

	// StepsTodo holds steps not yet completed; the head is the current step.
	StepsTodo []string `json:"steps_todo"`

	// StepsDone holds completed steps in completion order.
	StepsDone []string `json:"steps_done"`

	// CurrentStep is the step being implemented.
	CurrentStep string `json:"current_step,omitempty"`

	// CurrentStepDescription summarizes the latest implementation.
	CurrentStepDescription string `json:"current_step_description,omitempty"`

	// EntryPoint is how to run the program as reported by the model.
	EntryPoint string `json:"entry_point,omitempty"`

	// ReworkDescription summarizes the latest rework.
	ReworkDescription string `json:"rework_description,omitempty"`

	// ReworkCount is the number of reworks for the current step.
	ReworkCount int `json:"rework_count"`

	// Reimplemented is set once the current step was re-implemented after
	// exhausting its reworks. A second exhaustion fails the run.
	Reimplemented bool `json:"reimplemented,omitempty"`

	// SourceFiles and TestFiles track generated files by relative path.
	SourceFiles *FileSet `json:"source_files"`
	TestFiles   *FileSet `json:"test_files"`

	// Requirements is the accumulated dependency set.
	Requirements RequirementSet `json:"requirements"`

	// PlanFeedback and PlanOK hold the latest validation verdict.
	PlanFeedback *string `json:"plan_feedback,omitempty"`
	PlanOK       *bool   `json:"plan_ok,omitempty"`

	// TestFeedback and TestResult hold the latest test verdict.
	TestFeedback *string `json:"test_feedback,omitempty"`
	TestResult   *bool   `json:"test_result,omitempty"`

	// Iterations counts stage executions.
	Iterations int `json:"iterations"`
}

// NewProjectState creates the initial state for a description.
//
// Outputs:
//
//	*ProjectState - State with empty plan, files and requirements
//	error - ErrEmptyDescription if description is blank
func NewProjectState(description string) (*ProjectState, error) {
	if strings.TrimSpace(description) == "" {
		return nil, ErrEmptyDescription
	}
	return &ProjectState{
		SoftwareDescription: description,
		PlanSteps:           []string{},
		StepsTodo:           []string{},
		StepsDone:           []string{},
		SourceFiles:         NewFileSet(),
		TestFiles:           NewFileSet(),
		Requirements:        NewRequirementSet(),
	}, nil
}

// PlanRequest returns the request the next plan generation should serve.
//
// Outputs:
//
//	PlanRequest - RevisionPlan if the last validation rejected the plan,
//	              FreshPlan otherwise
func (s *ProjectState) PlanRequest() PlanRequest {
	if s.PlanOK != nil && !*s.PlanOK {
		feedback := ""
		if s.PlanFeedback != nil {
			feedback = *s.PlanFeedback
		}
		return RevisionPlan{
			Description: s.SoftwareDescription,
			Feedback:    feedback,
			PriorSteps:  slices.Clone(s.PlanSteps),
		}
	}
	return FreshPlan{Description: s.SoftwareDescription}
}

// ResetPlan installs a new plan.
//
// Description:
//
//	Replaces PlanSteps, resets StepsTodo to a copy of the steps and clears
//	StepsDone. The previous validation verdict is cleared because it
//	applied to the old plan.
func (s *ProjectState) ResetPlan(steps []string) {
	s.PlanSteps = slices.Clone(steps)
	s.StepsTodo = slices.Clone(steps)
	s.StepsDone = []string{}
	s.PlanFeedback = nil
	s.PlanOK = nil
}

// SetPlanVerdict records a validation result.
func (s *ProjectState) SetPlanVerdict(ok bool, feedback string) {
	s.PlanOK = &ok
	s.PlanFeedback = &feedback
}

// SetScaffold records the project layout.
//
// Outputs:
//
//	error - ErrInvariantViolation if the project was already scaffolded
func (s *ProjectState) SetScaffold(out ScaffoldOutput) error {
	if s.ProjectFolder != "" {
		return fmt.Errorf("%w: project already scaffolded at %s", ErrInvariantViolation, s.ProjectFolder)
	}
	s.ProjectFolder = out.ProjectFolder
	s.SourceFolder = out.SourceFolder
	s.TestFolder = out.TestFolder
	s.RuntimePath = out.RuntimePath
	s.Requirements = NewRequirementSet()
	return nil
}

// IsScaffolded returns true once the project layout exists.
func (s *ProjectState) IsScaffolded() bool {
	return s.ProjectFolder != ""
}

// HeadStep returns the current step without removing it.
func (s *ProjectState) HeadStep() (string, bool) {
	if len(s.StepsTodo) == 0 {
		return "", false
	}
	return s.StepsTodo[0], true
}

// AdvanceStep moves the head of StepsTodo to the end of StepsDone.
//
// Outputs:
//
//	string - The step that was completed
//	error - ErrInvariantViolation if StepsTodo is empty
func (s *ProjectState) AdvanceStep() (string, error) {
	if len(s.StepsTodo) == 0 {
		return "", fmt.Errorf("%w: advance with empty todo list", ErrInvariantViolation)
	}
	head := s.StepsTodo[0]
	s.StepsTodo = slices.Clone(s.StepsTodo[1:])
	s.StepsDone = append(s.StepsDone, head)
	s.ReworkCount = 0
	s.ReworkDescription = ""
	s.Reimplemented = false
	s.TestFeedback = nil
	s.TestResult = nil
	return head, nil
}

// SetTestVerdict records a test result.
func (s *ProjectState) SetTestVerdict(passed bool, feedback string) {
	s.TestResult = &passed
	s.TestFeedback = &feedback
}

// ImplementMode returns the prompt mode for the next implementation.
func (s *ProjectState) ImplementMode() ImplementMode {
	if s.TestResult != nil && !*s.TestResult && s.TestFeedback != nil && *s.TestFeedback != "" {
		return ImplementReworkAware
	}
	return ImplementFirstAttempt
}

// IsComplete returns true when a plan exists and every step is done.
func (s *ProjectState) IsComplete() bool {
	return len(s.PlanSteps) > 0 && len(s.StepsTodo) == 0
}

// CheckInvariants verifies the todo/done bookkeeping.
//
// Description:
//
//	StepsDone followed by StepsTodo must equal PlanSteps, and tracked file
//	paths must be unique. Violations wrap ErrInvariantViolation.
func (s *ProjectState) CheckInvariants() error {
	if len(s.StepsDone)+len(s.StepsTodo) != len(s.PlanSteps) {
		return fmt.Errorf("%w: %d done + %d todo != %d planned",
			ErrInvariantViolation, len(s.StepsDone), len(s.StepsTodo), len(s.PlanSteps))
	}
	joined := append(slices.Clone(s.StepsDone), s.StepsTodo...)
	if !slices.Equal(joined, s.PlanSteps) {
		return fmt.Errorf("%w: done ++ todo does not match plan", ErrInvariantViolation)
	}
	for _, fs := range []*FileSet{s.SourceFiles, s.TestFiles} {
		if fs == nil {
			continue
		}
		if len(fs.index) != len(fs.entries) {
			return fmt.Errorf("%w: duplicate file paths", ErrInvariantViolation)
		}
	}
	return nil
}

// Clone returns a deep copy of the state.
func (s *ProjectState) Clone() *ProjectState {
	if s == nil {
		return nil
	}
	c := *s
	c.PlanSteps = slices.Clone(s.PlanSteps)
	c.StepsTodo = slices.Clone(s.StepsTodo)
	c.StepsDone = slices.Clone(s.StepsDone)
	c.SourceFiles = s.SourceFiles.Clone()
	c.TestFiles = s.TestFiles.Clone()
	c.Requirements = s.Requirements.Clone()
	c.PlanFeedback = clonePtr(s.PlanFeedback)
	c.PlanOK = clonePtr(s.PlanOK)
	c.TestFeedback = clonePtr(s.TestFeedback)
	c.TestResult = clonePtr(s.TestResult)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
