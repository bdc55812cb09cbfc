package llms

import (
	"fmt"

	"github.com/doclens/doclens/pkg/config"
)

// NewProvider constructs a provider from config by type.
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	switch cfg.Type {
	case "openai", "":
		return NewOpenAIProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider type: %s", cfg.Type)
	}
}
