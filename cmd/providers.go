package cmd

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/job-aggregator/internal/endpoint"
	"github.com/spigell/job-aggregator/internal/inference"
	"github.com/spigell/job-aggregator/internal/inference/claude"
	"github.com/spigell/job-aggregator/internal/inference/gemini"
	"github.com/spigell/job-aggregator/internal/inference/openaicompat"
	"github.com/spigell/job-aggregator/internal/secrets"
)

const (
	kindOpenAI    = "openai"
	kindGemini    = "gemini"
	kindAnthropic = "anthropic"
)

var defaultBaseURLs = map[string]string{
	"groq":       "https://api.groq.com/openai/v1",
	"cerebras":   "https://api.cerebras.ai/v1",
	"openrouter": "https://openrouter.ai/api/v1",
}

var defaultKeyEnvs = map[string]string{
	"groq":       "GROQ_API_KEY",
	"cerebras":   "CEREBRAS_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"gemini":     "GEMINI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"claude":     "ANTHROPIC_API_KEY",
}

// providerNames returns the distinct providers used by the endpoints, in configuration order.
func providerNames(set endpoint.Set) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, d := range set {
		if _, ok := seen[d.Provider]; ok {
			continue
		}
		seen[d.Provider] = struct{}{}
		names = append(names, d.Provider)
	}
	return names
}

func providerConfig(config *Config, name string) *ProviderConfig {
	for key, pc := range config.Providers {
		if strings.EqualFold(key, name) && pc != nil {
			return pc
		}
	}
	return &ProviderConfig{}
}

func providerKind(name string, pc *ProviderConfig) string {
	if kind := strings.ToLower(strings.TrimSpace(pc.Kind)); kind != "" {
		return kind
	}
	switch name {
	case "gemini", "google":
		return kindGemini
	case "anthropic", "claude":
		return kindAnthropic
	default:
		return kindOpenAI
	}
}

func providerKey(name string, pc *ProviderConfig) (string, error) {
	env := strings.TrimSpace(pc.APIKeyEnv)
	if env == "" {
		env = defaultKeyEnvs[name]
	}

	return secrets.Load(secrets.Source{
		Name:  name + " api key",
		Value: pc.APIKey,
		Env:   env,
		File:  pc.APIKeyFile,
	})
}

func newProviderClient(ctx context.Context, name string, pc *ProviderConfig) (inference.Caller, error) {
	key, err := providerKey(name, pc)
	if err != nil {
		return nil, err
	}

	switch kind := providerKind(name, pc); kind {
	case kindGemini:
		return gemini.New(ctx, key)
	case kindAnthropic, "claude":
		return claude.New(key)
	case kindOpenAI, "openai-compatible":
		baseURL := strings.TrimSpace(pc.BaseURL)
		if baseURL == "" {
			baseURL = defaultBaseURLs[name]
		}
		if baseURL == "" {
			return nil, fmt.Errorf("provider %s: base-url is required", name)
		}
		return openaicompat.New(baseURL, key)
	default:
		return nil, fmt.Errorf("provider %s: unsupported kind %q", name, kind)
	}
}

// buildRouter registers a client for every provider referenced by the endpoints.
func buildRouter(ctx context.Context, config *Config, set endpoint.Set, opts inference.RouterOptions, logger *zap.Logger) (*inference.Router, error) {
	router := inference.NewRouter(opts, logger)

	for _, name := range providerNames(set) {
		client, err := newProviderClient(ctx, name, providerConfig(config, name))
		if err != nil {
			return nil, err
		}
		router.Register(name, client)
		logger.Debug("registered provider", zap.String("provider", name))
	}

	return router, nil
}
