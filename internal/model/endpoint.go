package model

import (
	"errors"
	"fmt"
	"strings"
)

// EndpointType is a logical API surface independent of provider dialect.
type EndpointType string

const (
	EndpointChat       EndpointType = "chat"
	EndpointCompletion EndpointType = "completion"
	EndpointEmbedding  EndpointType = "embedding"
)

var ErrUnsupportedEndpoint = errors.New("unsupported endpoint")

// EndpointTypes lists every logical endpoint in a stable order.
var EndpointTypes = []EndpointType{EndpointChat, EndpointCompletion, EndpointEmbedding}

func (t EndpointType) String() string { return string(t) }

// ApiEndpoint binds a provider to a logical endpoint. It is the unit the
// balancer ready-sets, endpoint metrics, and dispatchers are keyed by.
type ApiEndpoint struct {
	Provider InferenceProvider
	Type     EndpointType
}

func (e ApiEndpoint) String() string {
	return string(e.Provider) + "/" + string(e.Type)
}

// Path returns the upstream URL path for the endpoint. Gemini and Bedrock
// embed the target model in the path, so the mapped model string and the
// stream flag participate in path construction.
func (e ApiEndpoint) Path(mappedModel string, stream bool) (string, error) {
	switch e.Provider {
	case ProviderOpenAI, ProviderOllama:
		switch e.Type {
		case EndpointChat:
			return "/v1/chat/completions", nil
		case EndpointCompletion:
			return "/v1/completions", nil
		case EndpointEmbedding:
			return "/v1/embeddings", nil
		}
	case ProviderAnthropic:
		if e.Type == EndpointChat {
			return "/v1/messages", nil
		}
	case ProviderGemini:
		if e.Type == EndpointChat {
			if stream {
				return fmt.Sprintf("/v1beta/models/%s:streamGenerateContent?alt=sse", mappedModel), nil
			}
			return fmt.Sprintf("/v1beta/models/%s:generateContent", mappedModel), nil
		}
	case ProviderBedrock:
		if e.Type == EndpointChat {
			if stream {
				return fmt.Sprintf("/model/%s/invoke-with-response-stream", mappedModel), nil
			}
			return fmt.Sprintf("/model/%s/invoke", mappedModel), nil
		}
	}
	return "", fmt.Errorf("%w: %s %s", ErrUnsupportedEndpoint, e.Provider, e.Type)
}

// EndpointTypeFromPath resolves an inbound request path to a logical
// endpoint using the dialect the client speaks (the router's request
// style). Unknown paths report false so the router can fall back to the
// pass-through dispatcher.
func EndpointTypeFromPath(style InferenceProvider, path string) (EndpointType, bool) {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	switch style {
	case ProviderAnthropic:
		if path == "/v1/messages" {
			return EndpointChat, true
		}
	case ProviderGemini:
		if strings.Contains(path, ":generateContent") || strings.Contains(path, ":streamGenerateContent") {
			return EndpointChat, true
		}
	default:
		switch path {
		case "/v1/chat/completions", "/chat/completions":
			return EndpointChat, true
		case "/v1/completions", "/completions":
			return EndpointCompletion, true
		case "/v1/embeddings", "/embeddings":
			return EndpointEmbedding, true
		}
	}
	return "", false
}
