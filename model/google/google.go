// Package google adapts Google's Gemini API to the model.ChatModel
// contract.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/ticketpilot/ticketpilot/model"
)

// Model wraps the official generative-ai-go client. Safe for concurrent
// use after creation.
type Model struct {
	client *genai.Client
	name   string
}

// New creates a Gemini-backed chat model.
func New(ctx context.Context, apiKey, modelName string) (*Model, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("google: %w", err)
	}
	return &Model{client: client, name: modelName}, nil
}

// Chat sends the conversation as a chat session: earlier turns become
// history and the final user turn is the message. System messages are
// folded into the head of the first user turn so every provider sees
// the same conversation shape.
func (m *Model) Chat(ctx context.Context, msgs []model.Message) (model.ChatOut, error) {
	gm := m.client.GenerativeModel(m.name)

	var system strings.Builder
	var turns []*genai.Content
	for _, msg := range msgs {
		switch msg.Role {
		case model.RoleSystem:
			system.WriteString(msg.Content)
			system.WriteString("\n\n")
		case model.RoleAssistant:
			turns = append(turns, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(msg.Content)}})
		default:
			content := msg.Content
			if system.Len() > 0 && len(turns) == 0 {
				content = system.String() + content
				system.Reset()
			}
			turns = append(turns, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(content)}})
		}
	}
	if len(turns) == 0 {
		turns = append(turns, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(system.String())}})
	}

	last := turns[len(turns)-1]
	session := gm.StartChat()
	session.History = turns[:len(turns)-1]

	resp, err := session.SendMessage(ctx, last.Parts...)
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("google: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return model.ChatOut{}, errors.New("google: empty response")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}

	out := model.ChatOut{Text: text.String()}
	if resp.UsageMetadata != nil {
		out.TokensIn = int(resp.UsageMetadata.PromptTokenCount)
		out.TokensOut = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

// Close releases the underlying client.
func (m *Model) Close() error { return m.client.Close() }

func (m *Model) Name() string { return "google/" + m.name }
