package mapper

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/model"
	"github.com/eugener/shadowfax/internal/sse"
)

// dialect groups providers that share a wire format. Ollama serves the
// OpenAI chat surface; Bedrock hosts Anthropic models, so its decoded
// chunk payloads are Anthropic stream events.
type dialect int

const (
	dialectOpenAI dialect = iota
	dialectAnthropic
	dialectGemini
)

func dialectOf(p model.InferenceProvider) dialect {
	switch p {
	case model.ProviderAnthropic, model.ProviderBedrock:
		return dialectAnthropic
	case model.ProviderGemini:
		return dialectGemini
	default:
		return dialectOpenAI
	}
}

// StreamMapper rewrites one upstream SSE stream into the client's dialect,
// event by event, without buffering the stream. It is stateful: values
// announced once at the head of a stream (Anthropic message_start, the
// first OpenAI chunk) are carried into every synthesized frame, and frames
// owed to the client after upstream EOF are produced by Finish. A mapper
// serves exactly one stream and is not safe for concurrent use.
type StreamMapper struct {
	src dialect // client dialect
	dst dialect // upstream dialect

	reqModel string

	// Carried from the first upstream event into every synthesized frame.
	id      string
	model   string
	created int64

	started      bool
	inputTokens  int64
	outputTokens int64
	stopReason   string // raw, in the upstream dialect

	// Anthropic upstream: content block index -> OpenAI tool_calls index.
	toolIdx map[int]int

	// Anthropic client: synthesized content block bookkeeping.
	blockIdx   int
	blockOpen  bool
	toolBlocks map[int]int // OpenAI tool_calls index -> content block index

	// Gemini client: tool calls buffered until the stream ends, since
	// functionCall parts carry complete argument objects.
	calls []*pendingCall
}

type pendingCall struct {
	name string
	args strings.Builder
}

// NewStreamMapper builds a translator from the upstream (target) dialect
// to the client (source) dialect. requestModel names the mapped target
// model, used for dialects whose streams never announce one.
func NewStreamMapper(source, target model.InferenceProvider, requestModel string) (*StreamMapper, error) {
	src, dst := dialectOf(source), dialectOf(target)
	if src != dst && src != dialectOpenAI && dst != dialectOpenAI {
		return nil, fmt.Errorf("%w: no %s stream translation for %s clients", model.ErrProviderNotSupported, target, source)
	}
	return &StreamMapper{
		src:        src,
		dst:        dst,
		reqModel:   requestModel,
		toolIdx:    make(map[int]int),
		toolBlocks: make(map[int]int),
	}, nil
}

// Map translates one upstream event into zero or more client frames.
func (sm *StreamMapper) Map(ev sse.Event) ([]sse.Event, error) {
	switch {
	case sm.src == sm.dst:
		return sm.forward(ev)
	case sm.dst == dialectAnthropic:
		return sm.fromAnthropic(ev)
	case sm.dst == dialectGemini:
		return sm.fromGemini(ev)
	case sm.src == dialectAnthropic:
		return sm.toAnthropic(ev)
	default:
		return sm.toGemini(ev)
	}
}

// Finish emits the frames owed to the client after the upstream stream
// ended cleanly. OpenAI-dialect clients receive the [DONE] sentinel here;
// it is never taken from the upstream side.
func (sm *StreamMapper) Finish() []sse.Event {
	switch {
	case sm.src == dialectOpenAI:
		var out []sse.Event
		if sm.dst == dialectGemini && sm.started {
			out = append(out, sse.Event{Data: openaiUsageChunk(sm.id, sm.model, sm.created, sm.inputTokens, sm.outputTokens)})
		}
		return append(out, sse.Event{Data: []byte("[DONE]")})
	case sm.src == dialectAnthropic && sm.dst == dialectOpenAI:
		if !sm.started {
			return nil
		}
		var out []sse.Event
		if sm.blockOpen {
			out = append(out, sm.closeBlock())
		}
		stop := openaiFinishToAnthropic(sm.stopReason)
		if stop == "" {
			stop = "end_turn"
		}
		out = append(out,
			anthropicFrame("message_delta", map[string]any{
				"type":  "message_delta",
				"delta": map[string]any{"stop_reason": stop, "stop_sequence": nil},
				"usage": map[string]any{"output_tokens": sm.outputTokens},
			}),
			anthropicFrame("message_stop", map[string]any{"type": "message_stop"}),
		)
		return out
	case sm.src == dialectGemini && sm.started:
		return []sse.Event{{Data: sm.geminiFinal()}}
	}
	return nil
}

// Usage reports the token counts observed on the stream so far.
func (sm *StreamMapper) Usage() (prompt, completion int64) {
	return sm.inputTokens, sm.outputTokens
}

// forward passes same-dialect events through untouched, probing them for
// usage counts. Bedrock payloads arrive without an SSE event name, so the
// Anthropic case restores it from the payload type.
func (sm *StreamMapper) forward(ev sse.Event) ([]sse.Event, error) {
	r := gjson.ParseBytes(ev.Data)
	switch sm.dst {
	case dialectAnthropic:
		name := ev.Name
		if name == "" {
			name = r.Get("type").String()
		}
		switch name {
		case "message_start":
			sm.started = true
			sm.inputTokens = r.Get("message.usage.input_tokens").Int()
		case "message_delta":
			sm.outputTokens = r.Get("usage.output_tokens").Int()
		}
		return []sse.Event{{Name: name, Data: ev.Data}}, nil
	case dialectGemini:
		sm.started = true
		if u := r.Get("usageMetadata"); u.Exists() {
			sm.inputTokens = u.Get("promptTokenCount").Int()
			sm.outputTokens = u.Get("candidatesTokenCount").Int()
		}
	default:
		sm.started = true
		if u := r.Get("usage"); u.IsObject() {
			sm.inputTokens = u.Get("prompt_tokens").Int()
			sm.outputTokens = u.Get("completion_tokens").Int()
		}
	}
	return []sse.Event{ev}, nil
}

// fromAnthropic converts Anthropic stream events into OpenAI chunks.
// id, model and a synthesized created timestamp are captured from
// message_start and repeated on every chunk.
func (sm *StreamMapper) fromAnthropic(ev sse.Event) ([]sse.Event, error) {
	r := gjson.ParseBytes(ev.Data)
	name := ev.Name
	if name == "" {
		name = r.Get("type").String()
	}

	switch name {
	case "message_start":
		sm.started = true
		sm.id = r.Get("message.id").String()
		sm.model = r.Get("message.model").String()
		sm.created = time.Now().Unix()
		sm.inputTokens = r.Get("message.usage.input_tokens").Int()
		return []sse.Event{{Data: openaiChunk(sm.id, sm.model, sm.created, map[string]any{"role": "assistant"}, "")}}, nil

	case "content_block_start":
		if r.Get("content_block.type").String() != "tool_use" {
			return nil, nil
		}
		idx := int(r.Get("index").Int())
		n := len(sm.toolIdx)
		sm.toolIdx[idx] = n
		chunk := openaiToolChunk(sm.id, sm.model, sm.created, n,
			r.Get("content_block.id").String(),
			r.Get("content_block.name").String(), "")
		return []sse.Event{{Data: chunk}}, nil

	case "content_block_delta":
		switch r.Get("delta.type").String() {
		case "text_delta":
			text := r.Get("delta.text").String()
			return []sse.Event{{Data: openaiChunk(sm.id, sm.model, sm.created, map[string]any{"content": text}, "")}}, nil
		case "input_json_delta":
			idx := int(r.Get("index").Int())
			n, ok := sm.toolIdx[idx]
			if !ok {
				n = len(sm.toolIdx)
				sm.toolIdx[idx] = n
			}
			chunk := openaiToolChunk(sm.id, sm.model, sm.created, n, "", "", r.Get("delta.partial_json").String())
			return []sse.Event{{Data: chunk}}, nil
		}
		return nil, nil

	case "message_delta":
		if v := r.Get("usage.output_tokens"); v.Exists() {
			sm.outputTokens = v.Int()
		}
		if v := r.Get("delta.stop_reason"); v.Exists() {
			sm.stopReason = v.String()
		}
		return nil, nil

	case "message_stop":
		finish := anthropicStopToOpenAI(sm.stopReason)
		if finish == "" {
			finish = "stop"
		}
		return []sse.Event{
			{Data: openaiChunk(sm.id, sm.model, sm.created, map[string]any{}, finish)},
			{Data: openaiUsageChunk(sm.id, sm.model, sm.created, sm.inputTokens, sm.outputTokens)},
		}, nil

	case "error":
		return nil, fmt.Errorf("%w: %s", gateway.ErrStreamBroken, r.Get("error.message").String())
	}
	return nil, nil
}

// toAnthropic synthesizes an Anthropic event sequence from OpenAI chunks.
// The first chunk opens the message; message_delta and message_stop are
// deferred to Finish because OpenAI reports usage after the finish chunk.
func (sm *StreamMapper) toAnthropic(ev sse.Event) ([]sse.Event, error) {
	r := gjson.ParseBytes(ev.Data)
	var out []sse.Event

	if !sm.started {
		sm.started = true
		sm.id = r.Get("id").String()
		sm.model = r.Get("model").String()
		out = append(out, anthropicFrame("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":          sm.id,
				"type":        "message",
				"role":        "assistant",
				"model":       sm.model,
				"content":     []any{},
				"stop_reason": nil,
				"usage":       map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		}))
	}

	if u := r.Get("usage"); u.IsObject() {
		sm.inputTokens = u.Get("prompt_tokens").Int()
		sm.outputTokens = u.Get("completion_tokens").Int()
	}

	choice := r.Get("choices.0")
	if !choice.Exists() {
		return out, nil
	}

	if text := choice.Get("delta.content"); text.String() != "" {
		if !sm.blockOpen {
			out = append(out, sm.openBlock(map[string]any{"type": "text", "text": ""}))
		}
		out = append(out, anthropicFrame("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": sm.blockIdx,
			"delta": map[string]any{"type": "text_delta", "text": text.String()},
		}))
	}

	for _, tc := range choice.Get("delta.tool_calls").Array() {
		oidx := int(tc.Get("index").Int())
		bidx, known := sm.toolBlocks[oidx]
		if !known {
			if sm.blockOpen {
				out = append(out, sm.closeBlock())
			}
			bidx = sm.blockIdx
			sm.toolBlocks[oidx] = bidx
			out = append(out, sm.openBlock(map[string]any{
				"type":  "tool_use",
				"id":    tc.Get("id").String(),
				"name":  tc.Get("function.name").String(),
				"input": map[string]any{},
			}))
		}
		if args := tc.Get("function.arguments").String(); args != "" {
			out = append(out, anthropicFrame("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": bidx,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": args},
			}))
		}
	}

	if fr := choice.Get("finish_reason"); fr.String() != "" {
		sm.stopReason = fr.String()
	}
	return out, nil
}

// fromGemini converts generateContent stream chunks into OpenAI chunks.
// Gemini streams never announce an id or model, so both are synthesized
// from the mapped request model.
func (sm *StreamMapper) fromGemini(ev sse.Event) ([]sse.Event, error) {
	r := gjson.ParseBytes(ev.Data)
	var out []sse.Event

	if !sm.started {
		sm.started = true
		sm.id = "gemini-" + sm.reqModel
		sm.model = sm.reqModel
		sm.created = time.Now().Unix()
		out = append(out, sse.Event{Data: openaiChunk(sm.id, sm.model, sm.created, map[string]any{"role": "assistant"}, "")})
	}

	if u := r.Get("usageMetadata"); u.Exists() {
		sm.inputTokens = u.Get("promptTokenCount").Int()
		sm.outputTokens = u.Get("candidatesTokenCount").Int()
	}

	cand := r.Get("candidates.0")
	for _, part := range cand.Get("content.parts").Array() {
		if t := part.Get("text"); t.Exists() {
			out = append(out, sse.Event{Data: openaiChunk(sm.id, sm.model, sm.created, map[string]any{"content": t.String()}, "")})
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			n := len(sm.toolIdx)
			sm.toolIdx[n] = n
			name := fc.Get("name").String()
			chunk := openaiToolChunk(sm.id, sm.model, sm.created, n, name, name, argumentsToObject(fc.Get("args").Raw))
			out = append(out, sse.Event{Data: chunk})
		}
	}

	if fr := cand.Get("finishReason"); fr.String() != "" {
		sm.stopReason = fr.String()
		out = append(out, sse.Event{Data: openaiChunk(sm.id, sm.model, sm.created, map[string]any{}, geminiFinishToOpenAI(fr.String()))})
	}
	return out, nil
}

// toGemini converts OpenAI chunks into generateContent stream chunks.
// Tool call deltas are buffered until Finish because functionCall parts
// carry complete argument objects, not partial JSON.
func (sm *StreamMapper) toGemini(ev sse.Event) ([]sse.Event, error) {
	r := gjson.ParseBytes(ev.Data)
	sm.started = true

	if u := r.Get("usage"); u.IsObject() {
		sm.inputTokens = u.Get("prompt_tokens").Int()
		sm.outputTokens = u.Get("completion_tokens").Int()
	}

	choice := r.Get("choices.0")
	var out []sse.Event
	if text := choice.Get("delta.content"); text.String() != "" {
		out = append(out, sse.Event{Data: geminiStreamChunk([]map[string]any{{"text": text.String()}}, "")})
	}

	for _, tc := range choice.Get("delta.tool_calls").Array() {
		oidx := int(tc.Get("index").Int())
		for len(sm.calls) <= oidx {
			sm.calls = append(sm.calls, &pendingCall{})
		}
		p := sm.calls[oidx]
		if name := tc.Get("function.name").String(); name != "" {
			p.name = name
		}
		p.args.WriteString(tc.Get("function.arguments").String())
	}

	if fr := choice.Get("finish_reason"); fr.String() != "" {
		sm.stopReason = fr.String()
	}
	return out, nil
}

// geminiFinal builds the trailing chunk owed to a Gemini client: buffered
// functionCall parts, the finish reason, and usage metadata.
func (sm *StreamMapper) geminiFinal() []byte {
	var parts []map[string]any
	for _, p := range sm.calls {
		parts = append(parts, map[string]any{"functionCall": map[string]any{
			"name": p.name,
			"args": json.RawMessage(argumentsToObject(p.args.String())),
		}})
	}

	finish := openaiFinishToGemini(sm.stopReason)
	if finish == "" {
		finish = "STOP"
	}
	cand := map[string]any{"index": 0, "finishReason": finish}
	if len(parts) > 0 {
		cand["content"] = map[string]any{"role": "model", "parts": parts}
	}
	chunk := map[string]any{
		"candidates": []map[string]any{cand},
		"usageMetadata": map[string]any{
			"promptTokenCount":     sm.inputTokens,
			"candidatesTokenCount": sm.outputTokens,
			"totalTokenCount":      sm.inputTokens + sm.outputTokens,
		},
	}
	b, _ := json.Marshal(chunk)
	return b
}

func (sm *StreamMapper) openBlock(block map[string]any) sse.Event {
	sm.blockOpen = true
	return anthropicFrame("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         sm.blockIdx,
		"content_block": block,
	})
}

func (sm *StreamMapper) closeBlock() sse.Event {
	ev := anthropicFrame("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": sm.blockIdx,
	})
	sm.blockOpen = false
	sm.blockIdx++
	return ev
}

func anthropicFrame(name string, payload map[string]any) sse.Event {
	b, _ := json.Marshal(payload)
	return sse.Event{Name: name, Data: b}
}

// openaiChunk builds a chat.completion.chunk with a single choice delta.
func openaiChunk(id, model string, created int64, delta map[string]any, finishReason string) []byte {
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": nilOrString(finishReason),
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

// openaiToolChunk builds a chunk carrying one tool_calls delta. id and
// name are set on the first delta of a call and empty afterwards.
func openaiToolChunk(id, model string, created int64, index int, callID, name, argumentsDelta string) []byte {
	call := map[string]any{
		"index":    index,
		"function": map[string]any{"arguments": argumentsDelta},
	}
	if callID != "" {
		call["id"] = callID
		call["type"] = "function"
	}
	if name != "" {
		call["function"] = map[string]any{"name": name, "arguments": argumentsDelta}
	}
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         map[string]any{"tool_calls": []map[string]any{call}},
			"finish_reason": nil,
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

// openaiUsageChunk builds the trailing chunk carrying usage statistics.
func openaiUsageChunk(id, model string, created int64, prompt, completion int64) []byte {
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": []map[string]any{},
		"usage": map[string]any{
			"prompt_tokens":     prompt,
			"completion_tokens": completion,
			"total_tokens":      prompt + completion,
		},
	}
	b, _ := json.Marshal(chunk)
	return b
}

func geminiStreamChunk(parts []map[string]any, finishReason string) []byte {
	cand := map[string]any{
		"index":   0,
		"content": map[string]any{"role": "model", "parts": parts},
	}
	if finishReason != "" {
		cand["finishReason"] = finishReason
	}
	b, _ := json.Marshal(map[string]any{"candidates": []map[string]any{cand}})
	return b
}

func nilOrString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
