package mapper

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/shadowfax/internal"
)

// defaultMaxTokens is used when an OpenAI request carries neither
// max_completion_tokens nor max_tokens; the Messages API requires one.
const defaultMaxTokens = 4096

// minThinkingBudget is the smallest budget_tokens the Messages API accepts.
const minThinkingBudget = 1024

// anthropicRequest is the Anthropic Messages API request body. Model is
// omitted in Bedrock bodies, where it travels in the URL instead.
type anthropicRequest struct {
	Model         string             `json:"model,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Messages      []anthropicMessage `json:"messages"`
	System        json.RawMessage    `json:"system,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	ToolChoice    json.RawMessage    `json:"tool_choice,omitempty"`
	Metadata      *anthropicMetadata `json:"metadata,omitempty"`
	Thinking      *anthropicThinking `json:"thinking,omitempty"`

	// AnthropicVersion is only set for Bedrock bodies, which carry the
	// API version in the payload instead of a header.
	AnthropicVersion string `json:"anthropic_version,omitempty"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type anthropicMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// anthropicContentBlock is one element of a structured content array.
type anthropicContentBlock struct {
	Type string `json:"type"`

	// type=text
	Text string `json:"text,omitempty"`

	// type=image
	Source *anthropicImageSource `json:"source,omitempty"`

	// type=tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// type=tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	URL       string `json:"url,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// anthropicModelName renders a resolved target model for the Messages API.
// claude-3 generation names need the explicit -latest alias when no version
// was given; claude-4 and later resolve bare names server-side.
func anthropicModelName(name string, versionless bool) string {
	if versionless && strings.HasPrefix(name, "claude-3") {
		return name + "-latest"
	}
	return name
}

// openaiToAnthropicRequest converts an OpenAI chat-completion request into
// a Messages API request. targetModel is the resolved model string.
func openaiToAnthropicRequest(req *openaiRequest, targetModel string) (*anthropicRequest, error) {
	out := &anthropicRequest{
		Model:         targetModel,
		MaxTokens:     defaultMaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		Stream:        req.Stream,
		StopSequences: stopSequences(req.Stop),
	}
	if req.MaxCompletionTokens != nil {
		out.MaxTokens = *req.MaxCompletionTokens
	} else if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	if req.User != "" {
		out.Metadata = &anthropicMetadata{UserID: req.User}
	}
	if req.ReasoningEffort != "" {
		budget, err := effortToBudget(req.ReasoningEffort, out.MaxTokens)
		if err != nil {
			return nil, err
		}
		out.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: budget}
	}

	// System and developer prompts collect into the system field, in order.
	var system strings.Builder
	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(contentText(m.Content))
		case "user":
			content, err := openaiContentToAnthropic(m.Content)
			if err != nil {
				return nil, err
			}
			out.Messages = append(out.Messages, anthropicMessage{Role: "user", Content: content})
		case "assistant":
			content, err := openaiAssistantToAnthropic(m)
			if err != nil {
				return nil, err
			}
			out.Messages = append(out.Messages, anthropicMessage{Role: "assistant", Content: content})
		case "tool":
			block, _ := json.Marshal([]anthropicContentBlock{{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			}})
			out.Messages = append(out.Messages, anthropicMessage{Role: "user", Content: block})
		default:
			return nil, fmt.Errorf("%w: message role %q", gateway.ErrMalformedBody, m.Role)
		}
	}
	if system.Len() > 0 {
		out.System = marshalString(system.String())
	}

	if len(req.Tools) > 0 {
		tools, err := openaiToolsToAnthropic(req.Tools)
		if err != nil {
			return nil, err
		}
		out.Tools = tools
	}
	if len(req.ToolChoice) > 0 {
		tc, err := openaiToolChoiceToAnthropic(req.ToolChoice)
		if err != nil {
			return nil, err
		}
		out.ToolChoice = tc
	}
	return out, nil
}

// openaiContentToAnthropic converts a user message content field. Image
// URLs that point at http(s) resources become url sources; data URLs and
// bare base64 become base64 sources with a default image/png media type.
// Audio parts are dropped: the Messages API has no audio input.
func openaiContentToAnthropic(raw json.RawMessage) (json.RawMessage, error) {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return marshalString(s), nil
	}
	parts, ok := contentParts(raw)
	if !ok {
		return nil, fmt.Errorf("%w: message content", gateway.ErrMalformedBody)
	}
	blocks := make([]anthropicContentBlock, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, anthropicContentBlock{Type: "text", Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				return nil, fmt.Errorf("%w: image_url part without url", gateway.ErrMalformedBody)
			}
			blocks = append(blocks, anthropicContentBlock{Type: "image", Source: imageSource(p.ImageURL.URL)})
		case "input_audio":
			// dropped: no audio support on the target
		default:
			blocks = append(blocks, anthropicContentBlock{Type: "text", Text: contentText(raw)})
		}
	}
	b, err := json.Marshal(blocks)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformedBody, err)
	}
	return b, nil
}

// imageSource classifies an OpenAI image url into a Messages API source.
func imageSource(url string) *anthropicImageSource {
	if strings.HasPrefix(url, "http") {
		return &anthropicImageSource{Type: "url", URL: url}
	}
	mediaType := "image/png"
	data := url
	// data:image/jpeg;base64,<payload>
	if strings.HasPrefix(url, "data:") {
		if meta, payload, ok := strings.Cut(strings.TrimPrefix(url, "data:"), ","); ok {
			data = payload
			if mt, _, found := strings.Cut(meta, ";"); found && mt != "" {
				mediaType = mt
			}
		}
	}
	return &anthropicImageSource{Type: "base64", MediaType: mediaType, Data: data}
}

// openaiAssistantToAnthropic converts an assistant turn, mapping tool_calls
// to tool_use blocks with re-parsed argument objects.
func openaiAssistantToAnthropic(m openaiMessage) (json.RawMessage, error) {
	var blocks []anthropicContentBlock
	if text := contentText(m.Content); text != "" {
		blocks = append(blocks, anthropicContentBlock{Type: "text", Text: text})
	}
	for _, tc := range m.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(input) {
			return nil, fmt.Errorf("%w: tool call %s arguments", gateway.ErrToolMappingInvalid, tc.ID)
		}
		blocks = append(blocks, anthropicContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}
	if blocks == nil {
		blocks = []anthropicContentBlock{}
	}
	b, err := json.Marshal(blocks)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformedBody, err)
	}
	return b, nil
}

// openaiToolsToAnthropic lifts OpenAI function tools into Messages API
// tools.
func openaiToolsToAnthropic(raw json.RawMessage) ([]anthropicTool, error) {
	var tools []struct {
		Type     string `json:"type"`
		Function struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			Parameters  json.RawMessage `json:"parameters"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &tools); err != nil {
		return nil, fmt.Errorf("%w: tools: %v", gateway.ErrToolMappingInvalid, err)
	}
	out := make([]anthropicTool, 0, len(tools))
	for _, t := range tools {
		if t.Function.Name == "" {
			return nil, fmt.Errorf("%w: tool without function name", gateway.ErrToolMappingInvalid)
		}
		out = append(out, anthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	return out, nil
}

// openaiToolChoiceToAnthropic maps none/auto/required/named tool choices to
// none/auto/any/tool.
func openaiToolChoiceToAnthropic(raw json.RawMessage) (json.RawMessage, error) {
	var mode string
	if json.Unmarshal(raw, &mode) == nil {
		switch mode {
		case "none":
			return json.RawMessage(`{"type":"none"}`), nil
		case "auto":
			return json.RawMessage(`{"type":"auto"}`), nil
		case "required":
			return json.RawMessage(`{"type":"any"}`), nil
		default:
			return nil, fmt.Errorf("%w: tool_choice %q", gateway.ErrToolMappingInvalid, mode)
		}
	}
	name := gjson.GetBytes(raw, "function.name").String()
	if name == "" {
		return nil, fmt.Errorf("%w: named tool_choice without function.name", gateway.ErrToolMappingInvalid)
	}
	b, _ := json.Marshal(map[string]string{"type": "tool", "name": name})
	return b, nil
}

// anthropicToolChoiceToOpenAI is the reverse mapping.
func anthropicToolChoiceToOpenAI(raw json.RawMessage) (json.RawMessage, error) {
	switch gjson.GetBytes(raw, "type").String() {
	case "none":
		return json.RawMessage(`"none"`), nil
	case "auto":
		return json.RawMessage(`"auto"`), nil
	case "any":
		return json.RawMessage(`"required"`), nil
	case "tool":
		name := gjson.GetBytes(raw, "name").String()
		if name == "" {
			return nil, fmt.Errorf("%w: tool choice without name", gateway.ErrToolMappingInvalid)
		}
		b, _ := json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]string{"name": name},
		})
		return b, nil
	default:
		return nil, fmt.Errorf("%w: tool_choice type %q", gateway.ErrToolMappingInvalid, gjson.GetBytes(raw, "type").String())
	}
}

// effortToBudget maps reasoning_effort to a thinking budget as a fraction
// of max_tokens: low 25%, medium 50%, high 75%, floored at the API minimum.
func effortToBudget(effort string, maxTokens int) (int, error) {
	var ratio float64
	switch effort {
	case "low":
		ratio = 0.25
	case "medium":
		ratio = 0.5
	case "high":
		ratio = 0.75
	default:
		return 0, fmt.Errorf("%w: reasoning_effort %q", gateway.ErrMalformedBody, effort)
	}
	budget := int(float64(maxTokens) * ratio)
	if budget < minThinkingBudget {
		budget = minThinkingBudget
	}
	return budget, nil
}

// budgetToEffort maps a thinking budget ratio to reasoning_effort with
// boundaries at 0.33 and 0.66.
func budgetToEffort(budget, maxTokens int) string {
	if maxTokens <= 0 {
		return "medium"
	}
	ratio := float64(budget) / float64(maxTokens)
	switch {
	case ratio < 0.33:
		return "low"
	case ratio < 0.66:
		return "medium"
	default:
		return "high"
	}
}

// anthropicToOpenAIRequest converts a Messages API request (a router whose
// clients speak the Anthropic dialect) into an OpenAI chat-completion
// request for an OpenAI-dialect target.
func anthropicToOpenAIRequest(body []byte, targetModel string) (*openaiRequest, error) {
	var req anthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformedBody, err)
	}
	out := &openaiRequest{
		Model:       targetModel,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		out.MaxTokens = &mt
	}
	if len(req.StopSequences) > 0 {
		b, _ := json.Marshal(req.StopSequences)
		out.Stop = b
	}
	if req.Metadata != nil {
		out.User = req.Metadata.UserID
	}
	if req.Thinking != nil && req.Thinking.Type == "enabled" {
		out.ReasoningEffort = budgetToEffort(req.Thinking.BudgetTokens, req.MaxTokens)
	}
	if system := contentText(req.System); system != "" {
		out.Messages = append(out.Messages, openaiMessage{Role: "system", Content: marshalString(system)})
	}

	for _, m := range req.Messages {
		msgs, err := anthropicMessageToOpenAI(m)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, msgs...)
	}

	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			fn := map[string]any{"name": t.Name}
			if t.Description != "" {
				fn["description"] = t.Description
			}
			if len(t.InputSchema) > 0 {
				fn["parameters"] = t.InputSchema
			}
			tools = append(tools, map[string]any{"type": "function", "function": fn})
		}
		b, _ := json.Marshal(tools)
		out.Tools = b
	}
	if len(req.ToolChoice) > 0 {
		tc, err := anthropicToolChoiceToOpenAI(req.ToolChoice)
		if err != nil {
			return nil, err
		}
		out.ToolChoice = tc
	}
	return out, nil
}

// anthropicMessageToOpenAI expands one Messages API message. tool_result
// blocks become standalone tool-role messages; tool_use blocks become
// assistant tool_calls.
func anthropicMessageToOpenAI(m anthropicMessage) ([]openaiMessage, error) {
	var s string
	if json.Unmarshal(m.Content, &s) == nil {
		return []openaiMessage{{Role: m.Role, Content: marshalString(s)}}, nil
	}
	var blocks []anthropicContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, fmt.Errorf("%w: message content: %v", gateway.ErrMalformedBody, err)
	}

	var out []openaiMessage
	var text strings.Builder
	var toolCalls []openaiToolCall
	for _, b := range blocks {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			tc := openaiToolCall{ID: b.ID, Type: "function"}
			tc.Function.Name = b.Name
			tc.Function.Arguments = argumentsToObject(string(b.Input))
			toolCalls = append(toolCalls, tc)
		case "tool_result":
			out = append(out, openaiMessage{
				Role:       "tool",
				Content:    b.Content,
				ToolCallID: b.ToolUseID,
			})
		case "image":
			if b.Source == nil {
				continue
			}
			url := b.Source.URL
			if b.Source.Type == "base64" {
				url = "data:" + b.Source.MediaType + ";base64," + b.Source.Data
			}
			part, _ := json.Marshal([]map[string]any{{
				"type":      "image_url",
				"image_url": map[string]string{"url": url},
			}})
			out = append(out, openaiMessage{Role: m.Role, Content: part})
		}
	}
	if text.Len() > 0 || len(toolCalls) > 0 {
		msg := openaiMessage{Role: m.Role, ToolCalls: toolCalls}
		if text.Len() > 0 {
			msg.Content = marshalString(text.String())
		}
		out = append(out, msg)
	}
	if out == nil {
		out = []openaiMessage{{Role: m.Role, Content: marshalString("")}}
	}
	return out, nil
}

// anthropicToOpenAIResponse converts a Messages API response into an
// OpenAI chat-completion response.
func anthropicToOpenAIResponse(data []byte) ([]byte, error) {
	r := gjson.ParseBytes(data)
	if !r.Get("id").Exists() && !r.Get("content").Exists() {
		return nil, fmt.Errorf("%w: not a messages response", gateway.ErrMalformedBody)
	}

	var text strings.Builder
	var toolCalls []openaiToolCall
	r.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			text.WriteString(block.Get("text").String())
		case "tool_use":
			tc := openaiToolCall{ID: block.Get("id").String(), Type: "function"}
			tc.Function.Name = block.Get("name").String()
			tc.Function.Arguments = argumentsToObject(block.Get("input").Raw)
			toolCalls = append(toolCalls, tc)
		}
		return true
	})

	finish := anthropicStopToOpenAI(r.Get("stop_reason").String())
	msg := openaiMessage{Role: "assistant", ToolCalls: toolCalls}
	if text.Len() > 0 {
		msg.Content = marshalString(text.String())
	}
	if len(toolCalls) > 0 && finish == "" {
		finish = "tool_calls"
	}

	resp := openaiResponse{
		ID:      r.Get("id").String(),
		Object:  "chat.completion",
		Model:   r.Get("model").String(),
		Choices: []openaiChoice{{Index: 0, Message: msg, FinishReason: finish}},
	}
	if u := r.Get("usage"); u.Exists() {
		in := int(u.Get("input_tokens").Int())
		out := int(u.Get("output_tokens").Int())
		resp.Usage = &openaiUsage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
	}
	return json.Marshal(resp)
}

// openaiToAnthropicResponse converts an OpenAI chat-completion response
// into a Messages API response, for routers whose clients speak the
// Anthropic dialect.
func openaiToAnthropicResponse(data []byte) ([]byte, error) {
	r := gjson.ParseBytes(data)
	choice := r.Get("choices.0")
	if !choice.Exists() {
		return nil, fmt.Errorf("%w: response without choices", gateway.ErrMalformedBody)
	}

	var blocks []anthropicContentBlock
	if text := choice.Get("message.content"); text.Exists() && text.Type == gjson.String && text.String() != "" {
		blocks = append(blocks, anthropicContentBlock{Type: "text", Text: text.String()})
	}
	choice.Get("message.tool_calls").ForEach(func(_, tc gjson.Result) bool {
		blocks = append(blocks, anthropicContentBlock{
			Type:  "tool_use",
			ID:    tc.Get("id").String(),
			Name:  tc.Get("function.name").String(),
			Input: json.RawMessage(argumentsToObject(tc.Get("function.arguments").String())),
		})
		return true
	})
	if blocks == nil {
		blocks = []anthropicContentBlock{}
	}

	out := map[string]any{
		"id":          r.Get("id").String(),
		"type":        "message",
		"role":        "assistant",
		"model":       r.Get("model").String(),
		"content":     blocks,
		"stop_reason": openaiFinishToAnthropic(choice.Get("finish_reason").String()),
	}
	if u := r.Get("usage"); u.Exists() {
		out["usage"] = map[string]int64{
			"input_tokens":  u.Get("prompt_tokens").Int(),
			"output_tokens": u.Get("completion_tokens").Int(),
		}
	}
	return json.Marshal(out)
}

// argumentsToObject re-parses an OpenAI JSON-string argument payload into a
// raw object; invalid payloads degrade to an empty object.
func argumentsToObject(args string) string {
	s := strings.TrimSpace(args)
	if s != "" && s[0] == '{' && json.Valid([]byte(s)) {
		return s
	}
	return "{}"
}

// anthropicStopToOpenAI converts Anthropic stop reasons to OpenAI finish
// reasons.
func anthropicStopToOpenAI(reason string) string {
	switch reason {
	case "end_turn":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "stop_sequence":
		return "stop"
	default:
		return reason
	}
}

// openaiFinishToAnthropic is the reverse mapping.
func openaiFinishToAnthropic(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	case "content_filter":
		return "end_turn"
	default:
		return reason
	}
}
