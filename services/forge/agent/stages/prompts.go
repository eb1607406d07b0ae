// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stages

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// =============================================================================
// Prompt Templates
// =============================================================================

// Template names. Each can be replaced through NewPromptSet.
const (
	TemplateSystem       = "system"
	TemplatePlanFresh    = "plan_fresh"
	TemplatePlanRevision = "plan_revision"
	TemplateValidate     = "validate"
	TemplateImplement    = "implement"
	TemplateRework       = "rework"
)

const systemTemplate = `You are a senior Python developer working inside an automated build pipeline.
You write small, well-structured Python projects with a src/ package folder and a tests/ folder run by pytest.
Only report what you actually did. Keep descriptions short and factual.`

const planFreshTemplate = `Plan the development of the following software.

## Software description
{{.Description}}

## Instructions
- Pick a short project name made of lowercase letters, digits and underscores.
- Describe the overall approach in a few sentences.
- Split the work into a small number of ordered development steps. Each step must be implementable and testable on its own.
- The first step sets up the core module and its first tests.

Call {{.ResultTool}} with the project name, the description and the steps.`

const planRevisionTemplate = `Your previous development plan was rejected. Write a revised plan.

## Software description
{{.Description}}

## Previous steps
{{- range $i, $s := .PriorSteps}}
{{inc $i}}. {{$s}}
{{- else}}
(none)
{{- end}}

## Reviewer feedback
{{.Feedback}}

## Instructions
- Address every point of the feedback.
- Keep the steps ordered, each implementable and testable on its own.

Call {{.ResultTool}} with the project name, the description and the revised steps.`

const validateTemplate = `Review a development plan for the following software.

## Software description
{{.Description}}

## Project name
{{.ProjectName}}

## Approach
{{.PlanDescription}}

## Steps
{{- range $i, $s := .Steps}}
{{inc $i}}. {{$s}}
{{- end}}

## Review policy
Be lenient. Accept the plan unless a step is impossible to implement, the steps are out of order, or the plan clearly misses part of the description. Minor wording issues are not a reason to reject.
When you reject, explain precisely what must change.

Call {{.ResultTool}} with your verdict and feedback.`

const implementTemplate = `Implement one development step of a Python project.

## Software description
{{.Description}}

## Project layout
- Project folder: {{.ProjectFolder}}
- Source folder: {{.SourceFolder}}
- Test folder: {{.TestFolder}}
Paths you pass to the file tools are relative to the project folder.

## Completed steps
{{- range .StepsDone}}
- {{.}}
{{- else}}
(none)
{{- end}}

## Current step
{{.Step}}

## Existing source files
{{.SourceListing}}

## Existing test files
{{.TestListing}}

## Known requirements
{{if .Requirements}}{{join .Requirements ", "}}{{else}}(none){{end}}
{{- if .ReworkAware}}

## Previous test run failed
Fix the failures below while implementing the step.
{{.TestFeedback}}
{{- end}}

## Instructions
- Use create_directory and create_file for new files and update_file for existing ones. Use read_file to inspect a file before changing it.
- Put source code under src/ and pytest tests under tests/. Tests import from the src package.
- Add tests for the behavior of this step.
- List third-party packages the code needs as requirements. Include pytest.

When the step is done, call {{.ResultTool}} with a description of the change, the files you created or changed, the entry point and the requirements.`

const reworkTemplate = `The test suite of a Python project failed. Fix the code.

## Software description
{{.Description}}

## Current step
{{.Step}}
{{- if .StepDescription}}

## What was implemented
{{.StepDescription}}
{{- end}}

## Test output
{{.TestFeedback}}

## Current files
{{- range .Files}}

### {{.Path}}
` + "```" + `
{{.Content}}
` + "```" + `
{{- else}}
(none)
{{- end}}

## Instructions
- Paths are relative to the project folder {{.ProjectFolder}}.
- Use update_file to replace a file's full content. Each file can be updated at most once in this pass, so write the complete fix in one go.
- Fix the code or the tests, whichever is wrong.
- List any additional third-party packages as requirements.

When done, call {{.ResultTool}} with a description of the fix and the requirements.`

// PromptSet renders the stage prompts.
//
// Thread Safety: PromptSet is safe for concurrent use after construction.
type PromptSet struct {
	tmpl *template.Template
}

var promptFuncs = template.FuncMap{
	"join": strings.Join,
	"inc":  func(i int) int { return i + 1 },
}

var builtinTemplates = map[string]string{
	TemplateSystem:       systemTemplate,
	TemplatePlanFresh:    planFreshTemplate,
	TemplatePlanRevision: planRevisionTemplate,
	TemplateValidate:     validateTemplate,
	TemplateImplement:    implementTemplate,
	TemplateRework:       reworkTemplate,
}

// NewPromptSet parses the built-in templates with overrides applied.
//
// Inputs:
//
//	overrides - Template name to template text. Unknown names are rejected.
//
// Outputs:
//
//	*PromptSet - The parsed set
//	error - Non-nil if a name is unknown or a template fails to parse
func NewPromptSet(overrides map[string]string) (*PromptSet, error) {
	for name := range overrides {
		if _, ok := builtinTemplates[name]; !ok {
			return nil, fmt.Errorf("unknown prompt template %q", name)
		}
	}

	root := template.New("prompts").Funcs(promptFuncs).Option("missingkey=error")
	for name, text := range builtinTemplates {
		if o, ok := overrides[name]; ok {
			text = o
		}
		if _, err := root.New(name).Parse(text); err != nil {
			return nil, fmt.Errorf("parse prompt template %s: %w", name, err)
		}
	}
	return &PromptSet{tmpl: root}, nil
}

func defaultPrompts() *PromptSet {
	p, err := NewPromptSet(nil)
	if err != nil {
		panic(err)
	}
	return p
}

// Render executes the named template with data.
func (p *PromptSet) Render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := p.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// System returns the shared system prompt.
func (p *PromptSet) System() string {
	s, err := p.Render(TemplateSystem, nil)
	if err != nil {
		return systemTemplate
	}
	return s
}

// =============================================================================
// Template Data
// =============================================================================

type planPromptData struct {
	Description string
	Feedback    string
	PriorSteps  []string
	ResultTool  string
}

type validatePromptData struct {
	Description     string
	ProjectName     string
	PlanDescription string
	Steps           []string
	ResultTool      string
}

type implementPromptData struct {
	Description   string
	ProjectFolder string
	SourceFolder  string
	TestFolder    string
	StepsDone     []string
	Step          string
	SourceListing string
	TestListing   string
	Requirements  []string
	ReworkAware   bool
	TestFeedback  string
	ResultTool    string
}

type fileContent struct {
	Path    string
	Content string
}

type reworkPromptData struct {
	Description     string
	ProjectFolder   string
	Step            string
	StepDescription string
	TestFeedback    string
	Files           []fileContent
	ResultTool      string
}
