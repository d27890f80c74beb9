// Package testutil provides fakes for the gateway's seams: inference
// upstreams, auth oracles, rate limit stores, and log sinks.
package testutil

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

// Upstream is a fake OpenAI-dialect inference provider behind httptest.
// It records every request it sees, echoes the requested model, streams
// when the request asks to, and can be forced to fail.
type Upstream struct {
	*httptest.Server

	// Status forces an error response on every request when nonzero.
	Status int
	// RetryAfter is sent with forced 429 responses.
	RetryAfter string
	// Handler overrides the default behavior entirely when set.
	Handler http.HandlerFunc

	mu   sync.Mutex
	reqs []UpstreamRequest
}

// UpstreamRequest is one recorded inbound request.
type UpstreamRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// NewUpstream starts a fake provider. Callers own Close.
func NewUpstream() *Upstream {
	u := &Upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(u.serve))
	return u
}

// Requests returns a copy of every request received so far.
func (u *Upstream) Requests() []UpstreamRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]UpstreamRequest(nil), u.reqs...)
}

// LastRequest returns the most recent request, if any.
func (u *Upstream) LastRequest() (UpstreamRequest, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.reqs) == 0 {
		return UpstreamRequest{}, false
	}
	return u.reqs[len(u.reqs)-1], true
}

func (u *Upstream) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	u.mu.Lock()
	u.reqs = append(u.reqs, UpstreamRequest{
		Method: r.Method,
		Path:   r.URL.RequestURI(),
		Header: r.Header.Clone(),
		Body:   body,
	})
	u.mu.Unlock()

	if u.Handler != nil {
		r.Body = io.NopCloser(bytes.NewReader(body))
		u.Handler(w, r)
		return
	}
	if u.Status != 0 {
		if u.Status == http.StatusTooManyRequests && u.RetryAfter != "" {
			w.Header().Set("Retry-After", u.RetryAfter)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(u.Status)
		fmt.Fprintf(w, `{"error":{"message":"forced failure","type":"api_error","code":%d}}`, u.Status)
		return
	}

	switch {
	case strings.HasSuffix(r.URL.Path, "/chat/completions"):
		model := gjson.GetBytes(body, "model").String()
		if gjson.GetBytes(body, "stream").Bool() {
			u.streamChat(w, model)
			return
		}
		u.unaryChat(w, model)
	case strings.HasSuffix(r.URL.Path, "/models"):
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"object":"list","data":[{"id":"gpt-4o","object":"model"}]}`)
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":{"message":"unknown path","type":"invalid_request_error"}}`)
	}
}

func (u *Upstream) unaryChat(w http.ResponseWriter, model string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", "fake-upstream-1")
	fmt.Fprintf(w, `{"id":"chatcmpl-fake","object":"chat.completion","created":1700000000,"model":%q,`+
		`"choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],`+
		`"usage":{"prompt_tokens":9,"completion_tokens":3,"total_tokens":12}}`, model)
}

func (u *Upstream) streamChat(w http.ResponseWriter, model string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	f, _ := w.(http.Flusher)
	chunks := []string{
		fmt.Sprintf(`{"id":"chatcmpl-fake","object":"chat.completion.chunk","created":1700000000,"model":%q,"choices":[{"index":0,"delta":{"role":"assistant"},"finish_reason":null}]}`, model),
		fmt.Sprintf(`{"id":"chatcmpl-fake","object":"chat.completion.chunk","created":1700000000,"model":%q,"choices":[{"index":0,"delta":{"content":"hello"},"finish_reason":null}]}`, model),
		fmt.Sprintf(`{"id":"chatcmpl-fake","object":"chat.completion.chunk","created":1700000000,"model":%q,"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`, model),
		"[DONE]",
	}
	for _, c := range chunks {
		fmt.Fprintf(w, "data: %s\n\n", c)
		if f != nil {
			f.Flush()
		}
	}
}
