// Package agent runs LLM turns over the orchestration toolset. Brain is
// the seam between the coordination layer and the model provider; tests
// and offline tooling substitute fakes.
package agent

import (
	"context"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// RunRequest is one agent turn: an instruction plus the tools the turn may
// call. The toolset is decided by the caller, not the brain, so delegated
// and triggered runs can be handed reduced surfaces.
type RunRequest struct {
	SystemPrompt string
	Instruction  string
	Tools        []ai.ToolRef
	MaxTurns     int
}

// RunResult is the turn's final text plus which tools actually executed.
type RunResult struct {
	Text      string
	ToolsUsed []string
}

// Brain produces a response for one agent turn.
type Brain interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}

// GenkitBrain drives turns through a Genkit model.
type GenkitBrain struct {
	g     *genkit.Genkit
	model string
}

// NewGenkitBrain creates a GenkitBrain for a model reference like
// "googleai/gemini-2.5-flash".
func NewGenkitBrain(g *genkit.Genkit, model string) *GenkitBrain {
	return &GenkitBrain{g: g, model: model}
}

// Run executes one multi-turn tool loop and returns the final text.
func (b *GenkitBrain) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 8
	}

	opts := []ai.GenerateOption{
		ai.WithModelName(b.model),
		ai.WithPrompt(req.Instruction),
		ai.WithMaxTurns(maxTurns),
	}
	if req.SystemPrompt != "" {
		opts = append(opts, ai.WithSystem(req.SystemPrompt))
	}
	if len(req.Tools) > 0 {
		opts = append(opts, ai.WithTools(req.Tools...))
	}

	resp, err := genkit.Generate(ctx, b.g, opts...)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	return &RunResult{
		Text:      resp.Text(),
		ToolsUsed: toolsUsed(resp),
	}, nil
}

// toolsUsed walks the exchange for tool requests so callers can report
// which actions a run actually took.
func toolsUsed(resp *ai.ModelResponse) []string {
	seen := make(map[string]bool)
	var used []string
	record := func(msg *ai.Message) {
		if msg == nil {
			return
		}
		for _, part := range msg.Content {
			if part.IsToolRequest() && part.ToolRequest != nil {
				name := part.ToolRequest.Name
				if !seen[name] {
					seen[name] = true
					used = append(used, name)
				}
			}
		}
	}
	if resp.Request != nil {
		for _, msg := range resp.Request.Messages {
			record(msg)
		}
	}
	record(resp.Message)
	return used
}
