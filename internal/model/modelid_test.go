package model

import (
	"errors"
	"testing"
)

func TestParseForRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		provider InferenceProvider
		in       string
		kind     VersionKind
		model    string
	}{
		{"implicit latest", ProviderOpenAI, "gpt-4o", VersionLatest, "gpt-4o"},
		{"explicit latest", ProviderAnthropic, "claude-3-5-sonnet-latest", VersionLatest, "claude-3-5-sonnet"},
		{"long date", ProviderOpenAI, "gpt-4o-2024-11-20", VersionDate, "gpt-4o"},
		{"compact date", ProviderAnthropic, "claude-3-5-sonnet-20241022", VersionDate, "claude-3-5-sonnet"},
		{"short date", ProviderGemini, "gemini-2.0-flash-04-17", VersionDate, "gemini-2.0-flash"},
		{"preview", ProviderOpenAI, "o1-preview", VersionPreview, "o1"},
		{"preview with date", ProviderGemini, "gemini-2.5-pro-preview-03-25", VersionDatePreview, "gemini-2.5-pro"},
		{"semver", ProviderAnthropic, "claude-instant-1.2", VersionSemver, "claude-instant"},
		{"at separator", ProviderOpenAI, "gpt-4o@2024-11-20", VersionDate, "gpt-4o"},
		{"digits but no suffix", ProviderOpenAI, "gpt-3.5-turbo-0125", VersionLatest, "gpt-3.5-turbo-0125"},
		{"no version", ProviderAnthropic, "claude-3-5-haiku", VersionLatest, "claude-3-5-haiku"},
		{"ollama tagged", ProviderOllama, "llama3.2:1b", VersionTag, "llama3.2"},
		{"ollama untagged", ProviderOllama, "mistral", VersionLatest, "mistral"},
		{"bedrock versioned", ProviderBedrock, "anthropic.claude-3-5-sonnet-20241022-v2:0", VersionBedrock, "claude-3-5-sonnet-20241022"},
		{"bedrock region prefixed", ProviderBedrock, "us.anthropic.claude-3-7-sonnet-20250219-v1:0", VersionBedrock, "anthropic.claude-3-7-sonnet-20250219"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			id, err := ParseFor(tt.provider, tt.in)
			if err != nil {
				t.Fatalf("ParseFor(%q, %q): %v", tt.provider, tt.in, err)
			}
			if id.Version.Kind != tt.kind {
				t.Errorf("version kind = %d, want %d", id.Version.Kind, tt.kind)
			}
			if id.Name != tt.model {
				t.Errorf("name = %q, want %q", id.Name, tt.model)
			}
			if got := id.String(); got != tt.in {
				t.Errorf("String() = %q, want round-trip %q", got, tt.in)
			}
			// Formatting is a fixed point.
			again, err := ParseFor(tt.provider, id.String())
			if err != nil {
				t.Fatalf("re-parse %q: %v", id.String(), err)
			}
			if again.String() != id.String() {
				t.Errorf("re-parse changed formatting: %q -> %q", id.String(), again.String())
			}
		})
	}
}

func TestParseForRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		provider InferenceProvider
		in       string
	}{
		{"empty", ProviderOpenAI, ""},
		{"trailing dash", ProviderOpenAI, "gpt-4o-"},
		{"trailing dot", ProviderOpenAI, "gpt-4."},
		{"trailing at", ProviderAnthropic, "claude@"},
		{"trailing colon", ProviderOllama, "llama3:"},
		{"bedrock without version", ProviderBedrock, "anthropic.claude-3-5-sonnet"},
		{"bedrock bare version", ProviderBedrock, ".claude-v1:0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseFor(tt.provider, tt.in); !errors.Is(err, ErrInvalidModelName) {
				t.Errorf("ParseFor(%q, %q) err = %v, want ErrInvalidModelName", tt.provider, tt.in, err)
			}
		})
	}
}

func TestParseQualified(t *testing.T) {
	t.Parallel()

	id, err := Parse("openai/gpt-4o-mini")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if id.Provider != ProviderOpenAI || id.Name != "gpt-4o-mini" {
		t.Errorf("parsed %+v, want openai/gpt-4o-mini", id)
	}
	if got := id.Qualified(); got != "openai/gpt-4o-mini" {
		t.Errorf("Qualified() = %q", got)
	}

	if _, err := Parse("random/unknown-1.0"); !errors.Is(err, ErrProviderNotSupported) {
		t.Errorf("unknown provider err = %v, want ErrProviderNotSupported", err)
	}
	if _, err := Parse("bare-model"); !errors.Is(err, ErrInvalidModelName) {
		t.Errorf("unqualified err = %v, want ErrInvalidModelName", err)
	}
}

func TestEndpointPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		ep     ApiEndpoint
		model  string
		stream bool
		want   string
	}{
		{"openai chat", ApiEndpoint{ProviderOpenAI, EndpointChat}, "gpt-4o", false, "/v1/chat/completions"},
		{"anthropic chat", ApiEndpoint{ProviderAnthropic, EndpointChat}, "claude-3-5-sonnet-latest", true, "/v1/messages"},
		{"gemini chat", ApiEndpoint{ProviderGemini, EndpointChat}, "gemini-2.0-flash", false, "/v1beta/models/gemini-2.0-flash:generateContent"},
		{"gemini stream", ApiEndpoint{ProviderGemini, EndpointChat}, "gemini-2.0-flash", true, "/v1beta/models/gemini-2.0-flash:streamGenerateContent?alt=sse"},
		{"bedrock chat", ApiEndpoint{ProviderBedrock, EndpointChat}, "anthropic.claude-3-5-sonnet-20241022-v2:0", false, "/model/anthropic.claude-3-5-sonnet-20241022-v2:0/invoke"},
		{"bedrock stream", ApiEndpoint{ProviderBedrock, EndpointChat}, "anthropic.claude-3-5-sonnet-20241022-v2:0", true, "/model/anthropic.claude-3-5-sonnet-20241022-v2:0/invoke-with-response-stream"},
		{"ollama embeddings", ApiEndpoint{ProviderOllama, EndpointEmbedding}, "nomic-embed-text", false, "/v1/embeddings"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := tt.ep.Path(tt.model, tt.stream)
			if err != nil {
				t.Fatalf("Path: %v", err)
			}
			if got != tt.want {
				t.Errorf("Path = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := (ApiEndpoint{ProviderAnthropic, EndpointEmbedding}).Path("claude", false); !errors.Is(err, ErrUnsupportedEndpoint) {
		t.Errorf("anthropic embeddings err = %v, want ErrUnsupportedEndpoint", err)
	}
}

func TestEndpointTypeFromPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		style InferenceProvider
		path  string
		want  EndpointType
		ok    bool
	}{
		{ProviderOpenAI, "/v1/chat/completions", EndpointChat, true},
		{ProviderOpenAI, "/v1/embeddings?dims=256", EndpointEmbedding, true},
		{ProviderOpenAI, "/chat/completions", EndpointChat, true},
		{ProviderAnthropic, "/v1/messages", EndpointChat, true},
		{ProviderAnthropic, "/v1/chat/completions", "", false},
		{ProviderOpenAI, "/v1/images/generations", "", false},
	}
	for _, tt := range tests {
		got, ok := EndpointTypeFromPath(tt.style, tt.path)
		if ok != tt.ok || got != tt.want {
			t.Errorf("EndpointTypeFromPath(%s, %q) = (%q, %v), want (%q, %v)", tt.style, tt.path, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseRouterID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    RouterID
		wantErr bool
	}{
		{"default", RouterDefault, false},
		{"DEFAULT", RouterDefault, false},
		{"prod", RouterID("prod"), false},
		{"A-1_b", RouterID("A-1_b"), false},
		{"thirteen-chars", "", true},
		{"", "", true},
		{"bad/slash", "", true},
	}
	for _, tt := range tests {
		got, err := ParseRouterID(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidRouterID) {
				t.Errorf("ParseRouterID(%q) err = %v, want ErrInvalidRouterID", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseRouterID(%q) = (%q, %v), want %q", tt.in, got, err, tt.want)
		}
	}
}
