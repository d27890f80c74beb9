package mapper

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/shadowfax/internal"
)

// bedrockAnthropicVersion is the payload version Bedrock's Anthropic models
// require in place of the anthropic-version header.
const bedrockAnthropicVersion = "bedrock-2023-05-31"

// openaiToBedrockRequest converts an OpenAI chat-completion request into a
// Bedrock InvokeModel payload. Bedrock hosts Anthropic models behind the
// Messages wire format with the version moved into the body and the model
// and streaming choice moved into the URL.
func openaiToBedrockRequest(req *openaiRequest) (*anthropicRequest, error) {
	out, err := openaiToAnthropicRequest(req, "")
	if err != nil {
		return nil, err
	}
	out.Model = ""
	out.Stream = false
	out.AnthropicVersion = bedrockAnthropicVersion
	return out, nil
}

// BedrockChunkPayload extracts the inner event JSON from one decoded
// Bedrock response-stream chunk: {"bytes": "<base64 event>"}.
func BedrockChunkPayload(data []byte) ([]byte, error) {
	b64 := gjson.GetBytes(data, "bytes").String()
	if b64 == "" {
		// Some event frames carry the payload inline.
		if gjson.GetBytes(data, "type").Exists() {
			return data, nil
		}
		return nil, fmt.Errorf("%w: bedrock chunk without bytes", gateway.ErrStreamBroken)
	}
	payload, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: bedrock chunk: %v", gateway.ErrStreamBroken, err)
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: bedrock chunk payload", gateway.ErrStreamBroken)
	}
	return payload, nil
}
