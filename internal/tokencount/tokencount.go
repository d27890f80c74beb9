// Package tokencount estimates token usage from raw chat bodies. The
// gateway prefers the counts upstreams report; these estimates back-fill
// usage records when a response carries none. A byte heuristic (~4 bytes
// per token for English text) is close enough for accounting.
package tokencount

import "github.com/tidwall/gjson"

const (
	messageOverhead = 4 // role framing and separators per message
	replyPriming    = 3 // every reply is primed with an assistant turn
)

// Prompt estimates the prompt tokens of a chat request body. It reads
// the OpenAI and Anthropic messages shape and the Gemini contents shape;
// zero means the body carried no recognizable prompt.
func Prompt(body []byte) int64 {
	if msgs := gjson.GetBytes(body, "messages"); msgs.IsArray() {
		return promptFromMessages(body, msgs)
	}
	if contents := gjson.GetBytes(body, "contents"); contents.IsArray() {
		return promptFromContents(body, contents)
	}
	return 0
}

func promptFromMessages(body []byte, msgs gjson.Result) int64 {
	total := 0
	msgs.ForEach(func(_, m gjson.Result) bool {
		total += messageOverhead
		total += estimate(m.Get("role").String())
		total += contentTokens(m.Get("content"))
		if name := m.Get("name"); name.Exists() {
			total += estimate(name.String()) + 1
		}
		if tc := m.Get("tool_calls"); tc.Exists() {
			total += estimate(tc.Raw)
		}
		return true
	})
	// Anthropic carries the system prompt beside the messages.
	total += contentTokens(gjson.GetBytes(body, "system"))
	total += replyPriming
	return int64(max(total, 1))
}

func promptFromContents(body []byte, contents gjson.Result) int64 {
	total := 0
	contents.ForEach(func(_, c gjson.Result) bool {
		total += messageOverhead
		total += estimate(c.Get("role").String())
		total += partsTokens(c.Get("parts"))
		return true
	})
	total += partsTokens(gjson.GetBytes(body, "systemInstruction.parts"))
	total += replyPriming
	return int64(max(total, 1))
}

// Completion estimates the output tokens of a unary chat response body.
// Zero means no completion text was found.
func Completion(body []byte) int64 {
	total := 0
	if choices := gjson.GetBytes(body, "choices"); choices.IsArray() {
		choices.ForEach(func(_, c gjson.Result) bool {
			total += contentTokens(c.Get("message.content"))
			if tc := c.Get("message.tool_calls"); tc.Exists() {
				total += estimate(tc.Raw)
			}
			return true
		})
		return int64(total)
	}
	if content := gjson.GetBytes(body, "content"); content.IsArray() {
		return int64(contentTokens(content))
	}
	if cands := gjson.GetBytes(body, "candidates"); cands.IsArray() {
		cands.ForEach(func(_, c gjson.Result) bool {
			total += partsTokens(c.Get("content.parts"))
			return true
		})
		return int64(total)
	}
	return 0
}

// contentTokens reads message content in either the plain string form or
// the block-array form. Non-text blocks (tool use, images) count their
// raw JSON, which tracks tokenized size closely enough.
func contentTokens(r gjson.Result) int {
	switch {
	case r.Type == gjson.String:
		return estimate(r.String())
	case r.IsArray():
		n := 0
		r.ForEach(func(_, part gjson.Result) bool {
			if t := part.Get("text"); t.Exists() {
				n += estimate(t.String())
			} else {
				n += estimate(part.Raw)
			}
			return true
		})
		return n
	}
	return 0
}

func partsTokens(parts gjson.Result) int {
	n := 0
	parts.ForEach(func(_, p gjson.Result) bool {
		n += estimate(p.Get("text").String())
		return true
	})
	return n
}

// estimate applies the ~4 bytes per token heuristic, rounding up.
func estimate(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}
