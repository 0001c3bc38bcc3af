// Package anthropic adapts Anthropic's Claude API to the model.ChatModel
// contract.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ticketpilot/ticketpilot/model"
)

// Model wraps the official anthropic-sdk-go client. Safe for concurrent
// use after creation.
type Model struct {
	client    *anthropic.Client
	name      string
	maxTokens int64
}

// New creates a Claude-backed chat model. The API key comes from
// https://console.anthropic.com/.
func New(apiKey, modelName string) *Model {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Model{
		client:    &client,
		name:      modelName,
		maxTokens: 4096,
	}
}

// Chat sends the conversation to Claude. System messages are folded
// into the head of the first user turn so every provider sees the same
// conversation shape.
func (m *Model) Chat(ctx context.Context, msgs []model.Message) (model.ChatOut, error) {
	params := make([]anthropic.MessageParam, 0, len(msgs))
	var system strings.Builder

	for _, msg := range msgs {
		switch msg.Role {
		case model.RoleSystem:
			system.WriteString(msg.Content)
			system.WriteString("\n\n")
		case model.RoleAssistant:
			params = append(params, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			content := msg.Content
			if system.Len() > 0 && len(params) == 0 {
				content = system.String() + content
				system.Reset()
			}
			params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock(content)))
		}
	}
	if len(params) == 0 {
		params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock(system.String())))
	}

	message, err := m.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(m.name),
		MaxTokens: m.maxTokens,
		Messages:  params,
	})
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("anthropic: %w", err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return model.ChatOut{
		Text:      text.String(),
		TokensIn:  int(message.Usage.InputTokens),
		TokensOut: int(message.Usage.OutputTokens),
	}, nil
}

func (m *Model) Name() string { return "anthropic/" + m.name }
