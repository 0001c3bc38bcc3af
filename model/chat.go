// Package model defines the provider-neutral chat contract the agent
// layer speaks, with adapters for Anthropic, OpenAI, and Google in
// subpackages.
package model

import "context"

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    Role
	Content string
}

// ToolSpec describes a tool an agent may invoke. Specs are rendered
// into the system prompt; the model requests invocations as structured
// text which the agent layer parses and executes.
type ToolSpec struct {
	Name        string
	Description string

	// Parameters maps parameter names to short descriptions.
	Parameters map[string]string
}

// ChatOut is the result of one model call.
type ChatOut struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// ChatModel is a conversational language model.
//
// Implementations must be safe for concurrent use and respect context
// cancellation. Errors should carry enough detail for the caller to log
// usefully; the agent layer treats all model errors as fatal for the
// current run step.
type ChatModel interface {
	// Chat sends the conversation and returns the model's reply.
	Chat(ctx context.Context, msgs []Message) (ChatOut, error)

	// Name returns the provider/model identifier for logging.
	Name() string
}
