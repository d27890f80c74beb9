package dispatch

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/model"
)

// Passthrough relays a request to one provider without dialect mapping:
// the path and query are preserved, only credentials and hop-by-hop
// headers are rewritten. It backs the /{provider} direct surface and the
// router's fallback for paths that resolve to no known endpoint.
type Passthrough struct {
	provider model.InferenceProvider
	base     string
	version  string
	client   *http.Client
}

// NewPassthrough builds the raw relay for one provider. The client carries
// the provider's credential transport, same as a dispatcher's.
func NewPassthrough(p model.InferenceProvider, baseURL, version string, client *http.Client) *Passthrough {
	if version == "" {
		version = defaultAnthropicVersion
	}
	return &Passthrough{provider: p, base: strings.TrimRight(baseURL, "/"), version: version, client: client}
}

func (p *Passthrough) Serve(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	// The meta-router strips its own prefix into PathAndQuery; requests
	// that never passed through it keep their URL as-is.
	pq := r.URL.RequestURI()
	if ext := gateway.Ext(ctx); ext != nil && ext.PathAndQuery != "" {
		pq = ext.PathAndQuery
	}
	out, err := http.NewRequestWithContext(ctx, r.Method, p.base+pq, r.Body)
	if err != nil {
		return fmt.Errorf("%w: build upstream request: %v", gateway.ErrInternal, err)
	}
	copyInbound(out.Header, r.Header)
	if p.provider == model.ProviderAnthropic && out.Header.Get("anthropic-version") == "" {
		out.Header.Set("anthropic-version", p.version)
	}

	resp, err := p.client.Do(out)
	if err != nil {
		return &UpstreamError{Provider: p.provider, Body: err.Error()}
	}
	defer resp.Body.Close()

	if ext := gateway.Ext(ctx); ext != nil {
		ext.Provider = p.provider
		ext.ProviderRequestID = resp.Header.Get("X-Request-Id")
	}

	copyUpstream(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	// Stream response body with flush-on-read for SSE/NDJSON.
	flusher, canFlush := w.(http.Flusher)
	ct := resp.Header.Get("Content-Type")
	needsFlush := canFlush && (strings.Contains(ct, "text/event-stream") ||
		strings.Contains(ct, "application/x-ndjson") ||
		strings.Contains(ct, "application/stream+json") ||
		strings.Contains(ct, "application/vnd.amazon.eventstream"))
	if needsFlush {
		buf := make([]byte, 32*1024)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				if _, writeErr := w.Write(buf[:n]); writeErr != nil {
					return fmt.Errorf("write response: %w", writeErr)
				}
				flusher.Flush()
			}
			if readErr != nil {
				if readErr == io.EOF {
					return nil
				}
				return fmt.Errorf("read upstream response: %w", readErr)
			}
		}
	}

	if _, err := io.Copy(w, io.LimitReader(resp.Body, maxResponseBody)); err != nil {
		return fmt.Errorf("copy upstream response: %w", err)
	}
	return nil
}
