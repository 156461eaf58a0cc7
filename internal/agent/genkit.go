package agent

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// InitGenkit initializes Genkit with the configured LLM provider and
// returns the provider-qualified model name to pass to Generate.
// Supports: google (Gemini), anthropic (Claude), openai (GPT). A missing
// API key still yields a usable Genkit instance so tool definitions load;
// runs will fail at generation time with a clear error.
func InitGenkit(ctx context.Context, provider, model, apiKey string, logger *slog.Logger) (*genkit.Genkit, string) {
	if logger == nil {
		logger = slog.Default()
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = "google"
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	apiKey = strings.TrimSpace(apiKey)

	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
			logger.Info("genkit initialized", "provider", "anthropic", "model", model)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("Anthropic API key missing; agent runs will fail until it is set")
		}
		return g, "anthropic/" + model

	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}))
			logger.Info("genkit initialized", "provider", "openai", "model", model)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("OpenAI API key missing; agent runs will fail until it is set")
		}
		return g, "openai/" + model

	default:
		if provider != "google" {
			logger.Warn("unknown LLM provider, falling back to google", "provider", provider)
			if model == defaultModelForProvider(provider) {
				model = defaultModelForProvider("google")
			}
		}
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
			logger.Info("genkit initialized", "provider", "google", "model", model)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("Google API key missing; agent runs will fail until it is set")
		}
		return g, "googleai/" + model
	}
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5-20250929"
	case "openai":
		return "gpt-4o"
	default:
		return "gemini-2.5-flash"
	}
}
