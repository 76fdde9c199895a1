package endpoint

import (
	"errors"
	"fmt"
	"strings"
)

// Mode selects how an endpoint must be asked for structured output.
type Mode string

const (
	// ModeStrictSchema endpoints accept a JSON schema and enforce it server-side.
	ModeStrictSchema Mode = "strict-schema"
	// ModeJSON endpoints accept a generic "JSON object" response format.
	ModeJSON Mode = "json"
	// ModeText endpoints return free text and need instructional priming.
	ModeText Mode = "text"

	defaultContextTokens = 8192
)

var ErrInvalid = errors.New("invalid endpoint descriptor")

// Descriptor identifies one callable inference endpoint.
type Descriptor struct {
	Name          string `mapstructure:"name"`
	Label         string `mapstructure:"label"`
	Provider      string `mapstructure:"provider"`
	ContextTokens int    `mapstructure:"context-tokens"`
	Mode          Mode   `mapstructure:"mode"`
	LowVariance   bool   `mapstructure:"low-variance"`
}

// ParseMode converts a configuration value into a Mode. Empty input means ModeJSON.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(ModeJSON), "json-object", "loose":
		return ModeJSON, nil
	case string(ModeStrictSchema), "strict", "schema", "json-schema":
		return ModeStrictSchema, nil
	case string(ModeText), "free-text", "prompt":
		return ModeText, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalid, s)
	}
}

// DisplayName returns the label, or the name when no label is configured.
func (d Descriptor) DisplayName() string {
	if label := strings.TrimSpace(d.Label); label != "" {
		return label
	}
	return d.Name
}

// SizeClass is the maximum input size of the endpoint in tokens.
func (d Descriptor) SizeClass() int {
	if d.ContextTokens <= 0 {
		return defaultContextTokens
	}
	return d.ContextTokens
}

// Validate normalizes the descriptor in place and reports configuration mistakes.
func (d *Descriptor) Validate() error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}

	d.Provider = strings.ToLower(strings.TrimSpace(d.Provider))
	if d.Provider == "" {
		return fmt.Errorf("%w: provider is required for %s", ErrInvalid, d.Name)
	}

	if d.ContextTokens < 0 {
		return fmt.Errorf("%w: negative context-tokens for %s", ErrInvalid, d.Name)
	}

	mode, err := ParseMode(string(d.Mode))
	if err != nil {
		return fmt.Errorf("%s: %w", d.Name, err)
	}
	d.Mode = mode

	return nil
}
