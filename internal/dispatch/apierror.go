package dispatch

import (
	"fmt"
	"io"
	"net/http"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/model"
)

// UpstreamError is a transport failure or 5xx from a provider. Status is
// zero when the request never produced a response. It matches
// gateway.ErrUpstream under errors.Is, so the retry layer and the shell's
// error mapper treat it uniformly.
type UpstreamError struct {
	Provider model.InferenceProvider
	Status   int
	Body     string
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Body)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.Status, e.Body)
}

func (e *UpstreamError) Is(target error) bool { return target == gateway.ErrUpstream }

// parseUpstreamError reads up to 4KB of the response body into an
// UpstreamError and closes the body.
func parseUpstreamError(p model.InferenceProvider, resp *http.Response) *UpstreamError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return &UpstreamError{Provider: p, Status: resp.StatusCode, Body: string(body)}
}
