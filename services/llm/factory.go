package llm

import (
	"fmt"
	"log/slog"
	"os"
)

// NewFromEnv selects the generation backend from LLM_BACKEND
// ("openai", "llamacpp", or "ollama").
func NewFromEnv() (LLMClient, error) {
	backend := os.Getenv("LLM_BACKEND")
	if backend == "" {
		backend = "llamacpp"
		slog.Warn("LLM_BACKEND not set, defaulting to llamacpp")
	}
	switch backend {
	case "openai":
		return NewOpenAIClient()
	case "llamacpp":
		return NewLocalLlamaCppClient()
	case "ollama":
		return NewOllamaClient()
	default:
		return nil, fmt.Errorf("unknown LLM_BACKEND %q, want openai, llamacpp, or ollama", backend)
	}
}
