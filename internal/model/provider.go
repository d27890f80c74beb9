// Package model defines the identifier vocabulary shared by every part of
// the gateway: inference providers, logical endpoint types, router ids, and
// parsed model identifiers. It is the dependency root and imports no other
// project packages.
package model

import (
	"errors"
	"fmt"
	"strings"
)

// InferenceProvider identifies an upstream LLM API family. The string form
// is stable and appears on the wire (path prefixes, helicone-provider
// response header) and in configuration.
type InferenceProvider string

const (
	ProviderOpenAI    InferenceProvider = "openai"
	ProviderAnthropic InferenceProvider = "anthropic"
	ProviderGemini    InferenceProvider = "gemini"
	ProviderBedrock   InferenceProvider = "bedrock"
	ProviderOllama    InferenceProvider = "ollama"
)

var (
	ErrProviderNotSupported = errors.New("provider not supported")
	ErrInvalidModelName     = errors.New("invalid model name")
)

// Providers lists every supported provider in a stable order. Monitors and
// builders iterate this to keep emission order deterministic.
var Providers = []InferenceProvider{
	ProviderOpenAI,
	ProviderAnthropic,
	ProviderGemini,
	ProviderBedrock,
	ProviderOllama,
}

// ParseProvider resolves a case-insensitive provider name.
func ParseProvider(s string) (InferenceProvider, error) {
	switch strings.ToLower(s) {
	case "openai":
		return ProviderOpenAI, nil
	case "anthropic":
		return ProviderAnthropic, nil
	case "gemini", "google", "google-gemini":
		return ProviderGemini, nil
	case "bedrock", "aws-bedrock":
		return ProviderBedrock, nil
	case "ollama":
		return ProviderOllama, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrProviderNotSupported, s)
	}
}

func (p InferenceProvider) String() string { return string(p) }

// Valid reports whether p is one of the supported providers.
func (p InferenceProvider) Valid() bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderBedrock, ProviderOllama:
		return true
	}
	return false
}
