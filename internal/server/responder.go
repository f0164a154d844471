// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// FileInfo describes one uploaded file.
type FileInfo struct {
	Name string
	Size int64
	// Text is the leading part of a text file, empty for binary uploads.
	Text string
}

// Prompt is everything a responder gets for one reply.
type Prompt struct {
	ChatID  string
	Message string
	Files   []FileInfo
	History []Exchange
}

// Responder produces a reply incrementally. emit is called with each piece
// of text in order; an error from emit means the client is gone and the
// responder should stop.
type Responder interface {
	Name() string
	Respond(ctx context.Context, p Prompt, emit func(string) error) error
}

// NewResponderFromEnv returns an OpenAI responder when OPENAI_API_KEY is set
// and an EchoResponder otherwise.
func NewResponderFromEnv(model string) Responder {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return NewOpenAIResponder(key, model)
	}
	return &EchoResponder{Delay: 30 * time.Millisecond}
}

// ============================================================================
// ECHO RESPONDER
// ============================================================================

// EchoResponder repeats the message back one word at a time.
type EchoResponder struct {
	// Delay between words; zero streams as fast as the client reads.
	Delay time.Duration
}

func (e *EchoResponder) Name() string { return "echo" }

func (e *EchoResponder) Respond(ctx context.Context, p Prompt, emit func(string) error) error {
	for _, word := range strings.SplitAfter(echoReply(p), " ") {
		if word == "" {
			continue
		}
		if e.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.Delay):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(word); err != nil {
			return err
		}
	}
	return nil
}

func echoReply(p Prompt) string {
	var b strings.Builder
	if msg := strings.TrimSpace(p.Message); msg != "" {
		fmt.Fprintf(&b, "You said: %s", msg)
		if !strings.ContainsAny(msg[len(msg)-1:], ".!?") {
			b.WriteString(".")
		}
	}
	if len(p.Files) > 0 {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		names := make([]string, len(p.Files))
		for i, f := range p.Files {
			names[i] = fmt.Sprintf("%s (%d bytes)", f.Name, f.Size)
		}
		fmt.Fprintf(&b, "Received %d file(s): %s.", len(p.Files), strings.Join(names, ", "))
	}
	if n := len(p.History); n > 0 {
		fmt.Fprintf(&b, " I remember %d earlier exchange(s) in this chat.", n)
	}
	return b.String()
}

// ============================================================================
// OPENAI RESPONDER
// ============================================================================

// DefaultSystemPrompt frames every OpenAI conversation.
const DefaultSystemPrompt = "You are a helpful assistant. Answer concisely."

// OpenAIResponder streams chat completions from the OpenAI API.
type OpenAIResponder struct {
	client *openai.Client
	model  string
	system string
}

// NewOpenAIResponder creates a responder using the public OpenAI endpoint.
func NewOpenAIResponder(apiKey, model string) *OpenAIResponder {
	return NewOpenAIResponderWithConfig(openai.DefaultConfig(apiKey), model)
}

// NewOpenAIResponderWithConfig creates a responder with a custom client
// configuration, e.g. another base URL.
func NewOpenAIResponderWithConfig(config openai.ClientConfig, model string) *OpenAIResponder {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIResponder{
		client: openai.NewClientWithConfig(config),
		model:  model,
		system: DefaultSystemPrompt,
	}
}

func (o *OpenAIResponder) Name() string { return "openai:" + o.model }

func (o *OpenAIResponder) Respond(ctx context.Context, p Prompt, emit func(string) error) error {
	messages := make([]openai.ChatCompletionMessage, 0, 2+2*len(p.History))
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: o.system,
	})
	for _, ex := range p.History {
		messages = append(messages,
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: ex.User},
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: ex.Assistant},
		)
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userContent(p),
	})

	stream, err := o.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return fmt.Errorf("failed to start completion: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("completion stream: %w", err)
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		if err := emit(resp.Choices[0].Delta.Content); err != nil {
			return err
		}
	}
}

func userContent(p Prompt) string {
	if len(p.Files) == 0 {
		return p.Message
	}
	var b strings.Builder
	b.WriteString(p.Message)
	names := make([]string, len(p.Files))
	for i, f := range p.Files {
		names[i] = f.Name
	}
	fmt.Fprintf(&b, "\n\n[Attached files: %s]", strings.Join(names, ", "))
	for _, f := range p.Files {
		if f.Text == "" {
			continue
		}
		fmt.Fprintf(&b, "\n\n--- %s ---\n%s", f.Name, f.Text)
		if int64(len(f.Text)) < f.Size {
			b.WriteString("\n[truncated]")
		}
	}
	return b.String()
}
