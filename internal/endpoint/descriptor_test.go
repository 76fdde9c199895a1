package endpoint

import (
	"errors"
	"testing"
)

func TestParseMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		expect  Mode
		wantErr bool
	}{
		{input: "", expect: ModeJSON},
		{input: " Strict-Schema ", expect: ModeStrictSchema},
		{input: "json-schema", expect: ModeStrictSchema},
		{input: "text", expect: ModeText},
		{input: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			got, err := ParseMode(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalid) {
					t.Fatalf("expected ErrInvalid, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expect {
				t.Fatalf("expected %q, got %q", tt.expect, got)
			}
		})
	}
}

func TestNewSetRejectsDuplicates(t *testing.T) {
	_, err := NewSet([]Descriptor{
		{Name: "a", Provider: "groq"},
		{Name: " a ", Provider: "groq"},
	})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestNewSetNormalizes(t *testing.T) {
	set, err := NewSet([]Descriptor{
		{Name: " llama ", Provider: " Cerebras ", Mode: "strict", ContextTokens: 65536, LowVariance: true},
		{Name: "qwen", Provider: "groq"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	llama, ok := set.Find("llama")
	if !ok {
		t.Fatalf("expected llama to be found")
	}
	if llama.Provider != "cerebras" || llama.Mode != ModeStrictSchema {
		t.Fatalf("descriptor not normalized: %+v", llama)
	}

	if got := set.MinSizeClass(); got != defaultContextTokens {
		t.Fatalf("expected min size class %d, got %d", defaultContextTokens, got)
	}

	if got := len(set.LowVariance()); got != 1 {
		t.Fatalf("expected 1 low variance endpoint, got %d", got)
	}

	if got := set[1].DisplayName(); got != "qwen" {
		t.Fatalf("expected display name fallback, got %q", got)
	}
}
