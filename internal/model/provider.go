// ABOUTME: Provider selection from configuration
// ABOUTME: Supports openai, anthropic, langchain, and the offline echo provider

package model

import (
	"fmt"
	"strings"
)

// Provider names accepted by New.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderLangChain = "langchain"
	ProviderScripted  = "scripted"
	ProviderEcho      = "echo"
)

const defaultMaxOutputTokens = 2048

// Options configures a provider.
type Options struct {
	Provider        string
	Model           string
	APIKey          string
	BaseURL         string
	MaxOutputTokens int
}

func (o Options) maxOutputTokens() int {
	if o.MaxOutputTokens > 0 {
		return o.MaxOutputTokens
	}
	return defaultMaxOutputTokens
}

// New builds the provider named by opts.Provider.
func New(opts Options) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Provider)) {
	case ProviderOpenAI:
		if opts.APIKey == "" {
			return nil, fmt.Errorf("openai provider requires an api key")
		}
		return NewOpenAI(opts), nil
	case ProviderAnthropic:
		if opts.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider requires an api key")
		}
		return NewAnthropic(opts), nil
	case ProviderLangChain:
		return NewLangChain(opts)
	case ProviderScripted, ProviderEcho, "":
		return NewEcho(), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", opts.Provider)
	}
}
