package mapper

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/shadowfax/internal"
)

func TestOpenAIToGeminiRequest(t *testing.T) {
	t.Parallel()

	temp := 0.2
	maxTok := 500
	req := &openaiRequest{
		Model: "gpt-4o",
		Messages: []openaiMessage{
			{Role: "system", Content: json.RawMessage(`"Be factual."`)},
			{Role: "user", Content: json.RawMessage(`"What is Go?"`)},
			{Role: "assistant", ToolCalls: []openaiToolCall{func() openaiToolCall {
				tc := openaiToolCall{ID: "call_1", Type: "function"}
				tc.Function.Name = "lookup"
				tc.Function.Arguments = `{"q":"go"}`
				return tc
			}()}},
			{Role: "tool", ToolCallID: "lookup", Content: json.RawMessage(`"a language"`)},
		},
		Temperature: &temp,
		MaxTokens:   &maxTok,
		Stop:        json.RawMessage(`"END"`),
		Tools:       json.RawMessage(`[{"type":"function","function":{"name":"lookup","parameters":{"type":"object"}}}]`),
	}

	out, err := openaiToGeminiRequest(req)
	if err != nil {
		t.Fatalf("openaiToGeminiRequest: %v", err)
	}
	gc := out.GenerationConfig
	if gc == nil || *gc.Temperature != 0.2 || *gc.MaxOutputTokens != 500 {
		t.Fatalf("generationConfig = %+v", gc)
	}
	if len(gc.StopSequences) != 1 || gc.StopSequences[0] != "END" {
		t.Errorf("stopSequences = %v", gc.StopSequences)
	}
	if out.SystemInstruction == nil || out.SystemInstruction.Parts[0].Text != "Be factual." {
		t.Errorf("systemInstruction = %+v", out.SystemInstruction)
	}
	if len(out.Contents) != 3 {
		t.Fatalf("got %d contents, want 3", len(out.Contents))
	}
	if out.Contents[1].Role != "model" {
		t.Errorf("assistant role = %q, want model", out.Contents[1].Role)
	}
	fc := gjson.ParseBytes(out.Contents[1].Parts[0].FunctionCall)
	if fc.Get("name").String() != "lookup" || fc.Get("args.q").String() != "go" {
		t.Errorf("functionCall = %s", out.Contents[1].Parts[0].FunctionCall)
	}
	fr := gjson.ParseBytes(out.Contents[2].Parts[0].FunctionResponse)
	if fr.Get("response.result").String() != "a language" {
		t.Errorf("functionResponse = %s", out.Contents[2].Parts[0].FunctionResponse)
	}
	if len(out.Tools) != 1 {
		t.Fatalf("tools = %+v", out.Tools)
	}
	if gjson.GetBytes(out.Tools[0].FunctionDeclarations, "0.name").String() != "lookup" {
		t.Errorf("functionDeclarations = %s", out.Tools[0].FunctionDeclarations)
	}
}

func TestGeminiToOpenAIRequest(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"systemInstruction": {"parts": [{"text": "Be terse."}]},
		"contents": [
			{"role": "user", "parts": [{"text": "hi"}]},
			{"role": "model", "parts": [
				{"text": "checking"},
				{"functionCall": {"name": "lookup", "args": {"q": "x"}}}
			]},
			{"role": "user", "parts": [{"functionResponse": {"name": "lookup", "response": {"result": "y"}}}]}
		],
		"generationConfig": {"temperature": 0.5, "maxOutputTokens": 100, "stopSequences": ["Q"]},
		"tools": [{"functionDeclarations": [{"name": "lookup", "parameters": {"type": "object"}}]}]
	}`)

	out, err := geminiToOpenAIRequest(body, "gpt-4o", true)
	if err != nil {
		t.Fatalf("geminiToOpenAIRequest: %v", err)
	}
	if out.Model != "gpt-4o" || !out.Stream {
		t.Errorf("model = %q stream = %v", out.Model, out.Stream)
	}
	if out.Temperature == nil || *out.Temperature != 0.5 {
		t.Errorf("temperature = %v", out.Temperature)
	}
	if out.MaxTokens == nil || *out.MaxTokens != 100 {
		t.Errorf("max_tokens = %v", out.MaxTokens)
	}
	if len(out.Messages) != 4 {
		t.Fatalf("got %d messages, want 4: %+v", len(out.Messages), out.Messages)
	}
	if out.Messages[0].Role != "system" {
		t.Errorf("first role = %q", out.Messages[0].Role)
	}
	asst := out.Messages[2]
	if asst.Role != "assistant" || len(asst.ToolCalls) != 1 {
		t.Fatalf("assistant = %+v", asst)
	}
	if asst.ToolCalls[0].Function.Name != "lookup" {
		t.Errorf("tool call name = %q", asst.ToolCalls[0].Function.Name)
	}
	tool := out.Messages[3]
	if tool.Role != "tool" || tool.ToolCallID != "lookup" {
		t.Errorf("tool message = %+v", tool)
	}
	if gjson.GetBytes(out.Tools, "0.function.name").String() != "lookup" {
		t.Errorf("tools = %s", out.Tools)
	}
}

func TestGeminiToOpenAIResponse(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"candidates": [{
			"content": {"role": "model", "parts": [
				{"text": "Go is a language."},
				{"functionCall": {"name": "cite", "args": {"url": "go.dev"}}}
			]},
			"finishReason": "STOP",
			"index": 0
		}],
		"usageMetadata": {"promptTokenCount": 4, "candidatesTokenCount": 8, "totalTokenCount": 12}
	}`)

	out, err := geminiToOpenAIResponse(data, "gemini-2.0-flash")
	if err != nil {
		t.Fatalf("geminiToOpenAIResponse: %v", err)
	}
	r := gjson.ParseBytes(out)
	if r.Get("id").String() != "gemini-gemini-2.0-flash" {
		t.Errorf("id = %q", r.Get("id").String())
	}
	if r.Get("model").String() != "gemini-2.0-flash" {
		t.Errorf("model = %q", r.Get("model").String())
	}
	if r.Get("choices.0.message.content").String() != "Go is a language." {
		t.Errorf("content = %q", r.Get("choices.0.message.content").String())
	}
	if r.Get("choices.0.message.tool_calls.0.function.name").String() != "cite" {
		t.Errorf("tool_calls = %s", r.Get("choices.0.message.tool_calls").Raw)
	}
	if r.Get("choices.0.finish_reason").String() != "stop" {
		t.Errorf("finish_reason = %q", r.Get("choices.0.finish_reason").String())
	}
	if r.Get("usage.total_tokens").Int() != 12 {
		t.Errorf("usage = %s", r.Get("usage").Raw)
	}

	if _, err := geminiToOpenAIResponse([]byte(`{"error":{}}`), "m"); !errors.Is(err, gateway.ErrMalformedBody) {
		t.Errorf("candidateless err = %v", err)
	}
}

func TestOpenAIToGeminiResponse(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"id": "chatcmpl-1",
		"model": "gpt-4o",
		"choices": [{
			"index": 0,
			"message": {"role": "assistant", "content": "Hello."},
			"finish_reason": "stop"
		}],
		"usage": {"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5}
	}`)

	out, err := openaiToGeminiResponse(data)
	if err != nil {
		t.Fatalf("openaiToGeminiResponse: %v", err)
	}
	r := gjson.ParseBytes(out)
	if r.Get("candidates.0.content.parts.0.text").String() != "Hello." {
		t.Errorf("parts = %s", r.Get("candidates.0.content.parts").Raw)
	}
	if r.Get("candidates.0.finishReason").String() != "STOP" {
		t.Errorf("finishReason = %q", r.Get("candidates.0.finishReason").String())
	}
	if r.Get("usageMetadata.promptTokenCount").Int() != 3 {
		t.Errorf("usageMetadata = %s", r.Get("usageMetadata").Raw)
	}
}

func TestGeminiFinishReasons(t *testing.T) {
	t.Parallel()

	forward := map[string]string{
		"STOP":       "stop",
		"MAX_TOKENS": "length",
		"SAFETY":     "content_filter",
		"RECITATION": "content_filter",
	}
	for in, want := range forward {
		if got := geminiFinishToOpenAI(in); got != want {
			t.Errorf("geminiFinishToOpenAI(%q) = %q, want %q", in, got, want)
		}
	}

	reverse := map[string]string{
		"stop":           "STOP",
		"tool_calls":     "STOP",
		"length":         "MAX_TOKENS",
		"content_filter": "SAFETY",
	}
	for in, want := range reverse {
		if got := openaiFinishToGemini(in); got != want {
			t.Errorf("openaiFinishToGemini(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEnsureObject(t *testing.T) {
	t.Parallel()

	if got := ensureObject(json.RawMessage(`{"a":1}`)); string(got) != `{"a":1}` {
		t.Errorf("object passthrough = %s", got)
	}
	got := ensureObject(json.RawMessage(`"plain text"`))
	if gjson.GetBytes(got, "result").String() != "plain text" {
		t.Errorf("string wrap = %s", got)
	}
}
