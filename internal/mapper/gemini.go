package mapper

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/shadowfax/internal"
)

// geminiRequest is the Gemini generateContent request body. The model is
// not part of the body; it rides in the URL.
type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string          `json:"text,omitempty"`
	InlineData       *geminiBlob     `json:"inlineData,omitempty"`
	FileData         *geminiFileData `json:"fileData,omitempty"`
	FunctionCall     json.RawMessage `json:"functionCall,omitempty"`
	FunctionResponse json.RawMessage `json:"functionResponse,omitempty"`
}

type geminiBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type geminiTool struct {
	FunctionDeclarations json.RawMessage `json:"functionDeclarations,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

// openaiToGeminiRequest converts an OpenAI chat-completion request to a
// Gemini generateContent request.
func openaiToGeminiRequest(req *openaiRequest) (*geminiRequest, error) {
	out := &geminiRequest{}

	maxTokens := req.MaxCompletionTokens
	if maxTokens == nil {
		maxTokens = req.MaxTokens
	}
	stop := stopSequences(req.Stop)
	if req.Temperature != nil || req.TopP != nil || maxTokens != nil || len(stop) > 0 {
		out.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: maxTokens,
			StopSequences:   stop,
		}
	}

	// Tools: extract function declarations from OpenAI tools format.
	if len(req.Tools) > 0 {
		var openaiTools []struct {
			Function json.RawMessage `json:"function"`
		}
		if err := json.Unmarshal(req.Tools, &openaiTools); err != nil {
			return nil, fmt.Errorf("%w: tools: %v", gateway.ErrToolMappingInvalid, err)
		}
		var decls []json.RawMessage
		for _, t := range openaiTools {
			if t.Function != nil {
				decls = append(decls, t.Function)
			}
		}
		if len(decls) > 0 {
			raw, _ := json.Marshal(decls)
			out.Tools = []geminiTool{{FunctionDeclarations: raw}}
		}
	}

	var system strings.Builder
	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(contentText(m.Content))
		case "user":
			parts, err := openaiContentToGeminiParts(m.Content)
			if err != nil {
				return nil, err
			}
			out.Contents = append(out.Contents, geminiContent{Role: "user", Parts: parts})
		case "assistant":
			parts := []geminiPart{}
			if text := contentText(m.Content); text != "" {
				parts = append(parts, geminiPart{Text: text})
			}
			for _, tc := range m.ToolCalls {
				fc, _ := json.Marshal(map[string]any{
					"name": tc.Function.Name,
					"args": json.RawMessage(argumentsToObject(tc.Function.Arguments)),
				})
				parts = append(parts, geminiPart{FunctionCall: fc})
			}
			out.Contents = append(out.Contents, geminiContent{Role: "model", Parts: parts})
		case "tool":
			fr, _ := json.Marshal(map[string]any{
				"name":     m.ToolCallID,
				"response": ensureObject(m.Content),
			})
			out.Contents = append(out.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{FunctionResponse: fr}},
			})
		default:
			return nil, fmt.Errorf("%w: message role %q", gateway.ErrMalformedBody, m.Role)
		}
	}
	if system.Len() > 0 {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system.String()}}}
	}
	return out, nil
}

// ensureObject wraps non-object tool results so functionResponse.response
// is always a JSON object, as the Gemini API requires.
func ensureObject(raw json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") && json.Valid(raw) {
		return raw
	}
	b, _ := json.Marshal(map[string]string{"result": contentText(raw)})
	return b
}

// openaiContentToGeminiParts converts a user content field, mapping http
// image urls to fileData and data urls to inlineData. Audio parts are
// dropped.
func openaiContentToGeminiParts(raw json.RawMessage) ([]geminiPart, error) {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return []geminiPart{{Text: s}}, nil
	}
	parts, ok := contentParts(raw)
	if !ok {
		return nil, fmt.Errorf("%w: message content", gateway.ErrMalformedBody)
	}
	out := make([]geminiPart, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			out = append(out, geminiPart{Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				return nil, fmt.Errorf("%w: image_url part without url", gateway.ErrMalformedBody)
			}
			src := imageSource(p.ImageURL.URL)
			if src.Type == "url" {
				out = append(out, geminiPart{FileData: &geminiFileData{FileURI: src.URL}})
			} else {
				out = append(out, geminiPart{InlineData: &geminiBlob{MimeType: src.MediaType, Data: src.Data}})
			}
		case "input_audio":
			// dropped: no audio support on the target
		}
	}
	return out, nil
}

// geminiToOpenAIRequest converts a generateContent request into an OpenAI
// chat-completion request, for routers whose clients speak the Gemini
// dialect. stream reflects the inbound path, as Gemini signals streaming
// through the URL rather than the body.
func geminiToOpenAIRequest(body []byte, targetModel string, stream bool) (*openaiRequest, error) {
	var req geminiRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformedBody, err)
	}
	out := &openaiRequest{Model: targetModel, Stream: stream}
	if gc := req.GenerationConfig; gc != nil {
		out.Temperature = gc.Temperature
		out.TopP = gc.TopP
		out.MaxTokens = gc.MaxOutputTokens
		if len(gc.StopSequences) > 0 {
			b, _ := json.Marshal(gc.StopSequences)
			out.Stop = b
		}
	}
	if req.SystemInstruction != nil {
		var text strings.Builder
		for _, p := range req.SystemInstruction.Parts {
			text.WriteString(p.Text)
		}
		out.Messages = append(out.Messages, openaiMessage{Role: "system", Content: marshalString(text.String())})
	}

	for _, c := range req.Contents {
		role := "user"
		if c.Role == "model" {
			role = "assistant"
		}
		var text strings.Builder
		var toolCalls []openaiToolCall
		for _, p := range c.Parts {
			switch {
			case p.Text != "":
				text.WriteString(p.Text)
			case p.FunctionCall != nil:
				fc := gjson.ParseBytes(p.FunctionCall)
				tc := openaiToolCall{ID: fc.Get("name").String(), Type: "function"}
				tc.Function.Name = fc.Get("name").String()
				tc.Function.Arguments = argumentsToObject(fc.Get("args").Raw)
				toolCalls = append(toolCalls, tc)
			case p.FunctionResponse != nil:
				fr := gjson.ParseBytes(p.FunctionResponse)
				out.Messages = append(out.Messages, openaiMessage{
					Role:       "tool",
					Content:    json.RawMessage(fr.Get("response").Raw),
					ToolCallID: fr.Get("name").String(),
				})
			}
		}
		if text.Len() > 0 || len(toolCalls) > 0 {
			msg := openaiMessage{Role: role, ToolCalls: toolCalls}
			if text.Len() > 0 {
				msg.Content = marshalString(text.String())
			}
			out.Messages = append(out.Messages, msg)
		}
	}

	if len(req.Tools) > 0 && len(req.Tools[0].FunctionDeclarations) > 0 {
		var decls []json.RawMessage
		if err := json.Unmarshal(req.Tools[0].FunctionDeclarations, &decls); err != nil {
			return nil, fmt.Errorf("%w: functionDeclarations: %v", gateway.ErrToolMappingInvalid, err)
		}
		tools := make([]map[string]any, 0, len(decls))
		for _, d := range decls {
			tools = append(tools, map[string]any{"type": "function", "function": d})
		}
		b, _ := json.Marshal(tools)
		out.Tools = b
	}
	return out, nil
}

// geminiToOpenAIResponse converts a generateContent response into an
// OpenAI chat-completion response. Gemini responses carry no id; the
// request model names the synthetic one.
func geminiToOpenAIResponse(data []byte, requestModel string) ([]byte, error) {
	r := gjson.ParseBytes(data)
	if !r.Get("candidates").Exists() {
		return nil, fmt.Errorf("%w: not a generateContent response", gateway.ErrMalformedBody)
	}

	finish := geminiFinishToOpenAI(r.Get("candidates.0.finishReason").String())

	var text strings.Builder
	var toolCalls []openaiToolCall
	r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() {
			text.WriteString(t.String())
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			tc := openaiToolCall{ID: fc.Get("name").String(), Type: "function"}
			tc.Function.Name = fc.Get("name").String()
			tc.Function.Arguments = argumentsToObject(fc.Get("args").Raw)
			toolCalls = append(toolCalls, tc)
		}
		return true
	})

	msg := openaiMessage{Role: "assistant", ToolCalls: toolCalls}
	if text.Len() > 0 {
		msg.Content = marshalString(text.String())
	}
	if len(toolCalls) > 0 && finish == "" {
		finish = "tool_calls"
	}

	resp := openaiResponse{
		ID:      "gemini-" + requestModel,
		Object:  "chat.completion",
		Model:   requestModel,
		Choices: []openaiChoice{{Index: 0, Message: msg, FinishReason: finish}},
	}
	if u := r.Get("usageMetadata"); u.Exists() {
		resp.Usage = &openaiUsage{
			PromptTokens:     int(u.Get("promptTokenCount").Int()),
			CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
			TotalTokens:      int(u.Get("totalTokenCount").Int()),
		}
	}
	return json.Marshal(resp)
}

// openaiToGeminiResponse converts an OpenAI chat-completion response into
// a generateContent response, for Gemini-dialect clients.
func openaiToGeminiResponse(data []byte) ([]byte, error) {
	r := gjson.ParseBytes(data)
	choice := r.Get("choices.0")
	if !choice.Exists() {
		return nil, fmt.Errorf("%w: response without choices", gateway.ErrMalformedBody)
	}

	var parts []geminiPart
	if text := choice.Get("message.content"); text.Type == gjson.String && text.String() != "" {
		parts = append(parts, geminiPart{Text: text.String()})
	}
	choice.Get("message.tool_calls").ForEach(func(_, tc gjson.Result) bool {
		fc, _ := json.Marshal(map[string]any{
			"name": tc.Get("function.name").String(),
			"args": json.RawMessage(argumentsToObject(tc.Get("function.arguments").String())),
		})
		parts = append(parts, geminiPart{FunctionCall: fc})
		return true
	})
	if parts == nil {
		parts = []geminiPart{}
	}

	out := map[string]any{
		"candidates": []map[string]any{{
			"content":      geminiContent{Role: "model", Parts: parts},
			"finishReason": openaiFinishToGemini(choice.Get("finish_reason").String()),
			"index":        0,
		}},
		"modelVersion": r.Get("model").String(),
	}
	if u := r.Get("usage"); u.Exists() {
		out["usageMetadata"] = map[string]int64{
			"promptTokenCount":     u.Get("prompt_tokens").Int(),
			"candidatesTokenCount": u.Get("completion_tokens").Int(),
			"totalTokenCount":      u.Get("total_tokens").Int(),
		}
	}
	return json.Marshal(out)
}

// geminiFinishToOpenAI converts Gemini finish reasons to OpenAI finish
// reasons.
func geminiFinishToOpenAI(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return reason
	}
}

// openaiFinishToGemini is the reverse mapping.
func openaiFinishToGemini(reason string) string {
	switch reason {
	case "stop", "tool_calls":
		return "STOP"
	case "length":
		return "MAX_TOKENS"
	case "content_filter":
		return "SAFETY"
	default:
		return reason
	}
}
