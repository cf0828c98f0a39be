package llm

import (
	"fmt"
	"time"

	"github.com/lucasnoah/servicefactory/internal/config"
	"github.com/lucasnoah/servicefactory/internal/logging"
)

// Factory builds per-stage clients from configuration, sharing one Stats.
type Factory struct {
	cfg   config.LLM
	stats *Stats
	log   *logging.Logger
	cache map[string]*Client
}

// NewFactory creates a Factory.
func NewFactory(cfg config.LLM, log *logging.Logger) *Factory {
	return &Factory{cfg: cfg, stats: NewStats(), log: log, cache: map[string]*Client{}}
}

// Stats returns the statistics shared by every client of this factory.
func (f *Factory) Stats() *Stats { return f.stats }

// ForStage returns the client for a stage, applying llm.overrides.<stage>.
func (f *Factory) ForStage(stage string) (*Client, error) {
	if c, ok := f.cache[stage]; ok {
		return c, nil
	}
	provider, model := f.cfg.Provider, f.cfg.Model
	baseURL := f.cfg.BaseURL
	if o, ok := f.cfg.Overrides[stage]; ok {
		if o.Provider != "" && o.Provider != provider {
			provider = o.Provider
			model = ""
			baseURL = ""
		}
		if o.Model != "" {
			model = o.Model
		}
	}

	p, err := newProvider(provider, baseURL, f.cfg.APIKey, model, f.cfg.Temperature, f.cfg.MaxTokens)
	if err != nil {
		return nil, err
	}
	backoff := Backoff{Retries: f.cfg.MaxRetries, Initial: time.Second, Max: 30 * time.Second}
	c := NewClient(p, stage, config.Duration(f.cfg.Timeout, 600*time.Second), backoff, f.stats, f.log)
	f.cache[stage] = c
	return c, nil
}

func newProvider(name, baseURL, apiKey, model string, temperature float64, maxTokens int) (Provider, error) {
	switch name {
	case "openai", "deepseek", "qwen":
		return NewOpenAIProvider(name, baseURL, apiKey, model, temperature, maxTokens), nil
	case "ollama":
		return NewOllamaProvider(baseURL, model, temperature, maxTokens)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", name)
	}
}
