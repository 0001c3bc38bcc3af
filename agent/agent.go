// Package agent runs role-scoped LLM agents against a working copy.
//
// An agent is a chat loop: the model receives a role prompt, the ticket
// context, and a tool catalog, then alternates between tool invocations
// (JSON objects the runner parses and executes) and a final plain-text
// answer. Every loop is bounded by the role's step budget; exhausting
// it aborts the run step with workflow.ErrStepBudgetExceeded.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ticketpilot/ticketpilot/model"
	"github.com/ticketpilot/ticketpilot/workflow"
)

// Runner executes agent roles with a shared chat model.
type Runner struct {
	model model.ChatModel

	// MaxToolOutput caps how many bytes of a tool result are fed back
	// to the model. Zero means the default of 16 KiB.
	MaxToolOutput int
}

// NewRunner creates a runner over the given model.
func NewRunner(m model.ChatModel) *Runner {
	return &Runner{model: m}
}

// RunAgent implements workflow.AgentRunner.
func (r *Runner) RunAgent(ctx context.Context, role, workDir string, rc workflow.Context, extra map[string]string, onEvent func(string, map[string]any)) (string, error) {
	cfg, ok := roles[role]
	if !ok {
		return "", fmt.Errorf("unknown agent role %q", role)
	}
	tools := toolsFor(cfg)
	data := promptData{Context: rc, Extra: extra}

	system, err := render(cfg.system, data)
	if err != nil {
		return "", fmt.Errorf("%s agent: %w", role, err)
	}
	task, err := render(cfg.task, data)
	if err != nil {
		return "", fmt.Errorf("%s agent: %w", role, err)
	}

	msgs := []model.Message{
		{Role: model.RoleSystem, Content: system + "\n\n" + renderToolHelp(tools)},
		{Role: model.RoleUser, Content: task},
	}

	for step := 1; step <= cfg.budget; step++ {
		out, err := r.model.Chat(ctx, msgs)
		if err != nil {
			return "", fmt.Errorf("%s agent: %w", role, err)
		}

		inv, ok := parseInvocation(out.Text)
		if !ok {
			if onEvent != nil {
				onEvent("agent_done", map[string]any{
					"role": role, "steps": step,
					"tokensIn": out.TokensIn, "tokensOut": out.TokensOut,
				})
			}
			return out.Text, nil
		}

		result := r.invoke(ctx, workDir, tools, inv)
		if onEvent != nil {
			onEvent("tool_call", map[string]any{
				"role": role, "step": step, "tool": inv.Tool,
			})
		}
		msgs = append(msgs,
			model.Message{Role: model.RoleAssistant, Content: out.Text},
			model.Message{Role: model.RoleUser, Content: "Tool result:\n" + result},
		)
	}

	return "", fmt.Errorf("%s agent exceeded %d steps: %w", role, cfg.budget, workflow.ErrStepBudgetExceeded)
}

// invocation is one tool request parsed from model output.
type invocation struct {
	Tool string            `json:"tool"`
	Args map[string]string `json:"args"`
}

// parseInvocation recognizes a tool request: a JSON object carrying a
// "tool" key somewhere in the reply. Anything else is the agent's final
// answer.
func parseInvocation(text string) (invocation, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return invocation{}, false
	}
	var inv invocation
	if err := json.Unmarshal([]byte(text[start:end+1]), &inv); err != nil || inv.Tool == "" {
		return invocation{}, false
	}
	return inv, true
}

func (r *Runner) invoke(ctx context.Context, workDir string, tools []tool, inv invocation) string {
	for _, t := range tools {
		if t.name != inv.Tool {
			continue
		}
		out, err := t.run(ctx, workDir, inv.Args)
		if err != nil {
			return "error: " + err.Error()
		}
		return r.capOutput(out)
	}
	return fmt.Sprintf("error: unknown tool %q", inv.Tool)
}

func (r *Runner) capOutput(s string) string {
	limit := r.MaxToolOutput
	if limit <= 0 {
		limit = 16 * 1024
	}
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n[output truncated]"
}

func renderToolHelp(tools []tool) string {
	var sb strings.Builder
	sb.WriteString("Available tools. To invoke one, reply with ONLY a JSON object:\n")
	sb.WriteString(`{"tool": "<name>", "args": {...}}` + "\n\n")
	for _, t := range tools {
		fmt.Fprintf(&sb, "- %s: %s\n", t.name, t.description)
		for arg, desc := range t.parameters {
			fmt.Fprintf(&sb, "    %s: %s\n", arg, desc)
		}
	}
	sb.WriteString("\nWhen finished, reply with your final answer as plain text, not a tool invocation.")
	return sb.String()
}
