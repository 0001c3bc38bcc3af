package agent

import (
	"strings"
	"text/template"

	"github.com/ticketpilot/ticketpilot/workflow"
)

// roleConfig binds a role to its prompt pair, tool access, and step
// budget. Budgets are deliberately asymmetric: the coder needs room to
// explore and edit, the advisory roles do not.
type roleConfig struct {
	budget   int
	readOnly bool
	system   *template.Template
	task     *template.Template
}

type promptData struct {
	Context workflow.Context
	Extra   map[string]string
}

var roles = map[string]roleConfig{
	"clarify": {
		budget:   20,
		readOnly: true,
		system:   tmpl("clarify-system", clarifySystem),
		task:     tmpl("clarify-task", clarifyTask),
	},
	"architect": {
		budget:   40,
		readOnly: true,
		system:   tmpl("architect-system", architectSystem),
		task:     tmpl("architect-task", architectTask),
	},
	"coder": {
		budget:   80,
		readOnly: false,
		system:   tmpl("coder-system", coderSystem),
		task:     tmpl("coder-task", coderTask),
	},
	"reviewer": {
		budget:   40,
		readOnly: true,
		system:   tmpl("reviewer-system", reviewerSystem),
		task:     tmpl("reviewer-task", reviewerTask),
	},
}

func tmpl(name, text string) *template.Template {
	return template.Must(template.New(name).Parse(text))
}

func render(t *template.Template, data promptData) (string, error) {
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

const repoPreamble = `You are working on the repository {{.Context.RepoSlug}}.
{{- if .Context.RepoDescription}}
Repository description: {{.Context.RepoDescription}}
{{- end}}
{{- if .Context.Conventions}}
Repository conventions:
{{.Context.Conventions}}
{{- end}}`

const ticketBlock = `{{- with .Context.Issue}}Ticket {{.Key}}: {{.Summary}}

{{.Description}}{{end}}`

const clarifySystem = `You triage tickets for an automated coding pipeline. Decide whether the
ticket below is actionable as written, inspecting the repository where
it helps. ` + repoPreamble + `

Answer with a single JSON object:
{"clear": true} when the ticket is actionable, or
{"clear": false, "questions": ["..."]} listing at most three concrete
questions a human must answer before work can start.`

const clarifyTask = ticketBlock

const architectSystem = `You are a software architect for an automated coding pipeline. Produce
an implementation plan for the ticket below: the files to touch, the
changes to make in each, and how to verify them. Inspect the repository
before planning. ` + repoPreamble + `

Answer with the plan as Markdown. Do not write any code.`

const architectTask = ticketBlock + `
{{- if index .Extra "answers"}}

The requester answered earlier questions:
{{index .Extra "answers"}}
{{- end}}
{{- if index .Extra "previous_plan"}}

An earlier plan exists:
{{index .Extra "previous_plan"}}
{{- end}}
{{- if index .Extra "revision"}}

The requester asked for these changes to the plan:
{{index .Extra "revision"}}
{{- end}}`

const coderSystem = `You are a software engineer implementing an approved plan in the
repository working copy. Make the changes with the write_file and
run_command tools, keeping to the plan and the repository's
conventions. ` + repoPreamble + `

When the implementation is complete, answer with a short summary of the
changes you made.`

const coderTask = ticketBlock + `

Approved plan:
{{index .Extra "plan"}}
{{- if index .Extra "feedback"}}

The previous attempt was rejected. Address this feedback:
{{index .Extra "feedback"}}
{{- end}}`

const reviewerSystem = `You review code changes produced by an automated pipeline before they
are pushed. Judge whether the diff below implements the plan correctly
and safely; read surrounding files where the diff alone is not enough. ` + repoPreamble + `

Answer with a single JSON object:
{"approved": true} to accept, or
{"approved": false, "comments": ["..."]} listing the problems that must
be fixed.`

const reviewerTask = ticketBlock + `

Plan:
{{index .Extra "plan"}}

Diff under review:
{{index .Extra "diff"}}`
