package app

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/balance"
	"github.com/eugener/shadowfax/internal/mapper"
	"github.com/eugener/shadowfax/internal/model"
)

// Router serves one configured router id. It resolves the request subpath
// to a logical endpoint in the dialect the router's clients speak and
// hands the request to that endpoint's balancer stack. Subpaths that
// resolve to no balanced endpoint fall through to the passthrough relay
// for the router's style provider.
type Router struct {
	id          model.RouterID
	style       model.InferenceProvider
	stacks      map[model.EndpointType]gateway.Service
	passthrough gateway.Service
}

func (rt *Router) Serve(w http.ResponseWriter, r *http.Request) error {
	ext := gateway.Ext(r.Context())
	if ext == nil {
		return fmt.Errorf("%w: extension bag", gateway.ErrExtensionNotFound)
	}
	if et, ok := model.EndpointTypeFromPath(rt.style, ext.PathAndQuery); ok {
		if stack, has := rt.stacks[et]; has {
			// The provider half stays empty until the balancer picks; the
			// chosen dispatcher fills it in.
			ext.Endpoint = &model.ApiEndpoint{Type: et}
			return stack.Serve(w, r)
		}
	}
	return rt.passthrough.Serve(w, r)
}

// pick is the innermost service of a balancer stack: select an endpoint,
// serve on it.
type pick struct {
	balancer balance.Balancer
}

func (p *pick) Serve(w http.ResponseWriter, r *http.Request) error {
	svc, _, err := p.balancer.Pick(r)
	if err != nil {
		return err
	}
	return svc.Serve(w, r)
}

// requestContext attaches the per-request context and sniffs the mapper
// context out of the buffered body before any dispatch-side layer runs.
func requestContext(id model.RouterID, style model.InferenceProvider, secrets *gateway.Secrets) gateway.Middleware {
	return func(next gateway.Service) gateway.Service {
		return gateway.ServiceFunc(func(w http.ResponseWriter, r *http.Request) error {
			ext := gateway.Ext(r.Context())
			if ext == nil {
				return fmt.Errorf("%w: extension bag", gateway.ErrExtensionNotFound)
			}
			ext.Request = &gateway.RequestContext{
				Auth:      ext.Auth,
				Router:    id,
				Secrets:   secrets,
				StartTime: time.Now(),
				RequestID: ext.RequestID,
			}
			body, err := bufferBody(r)
			if err != nil {
				return fmt.Errorf("%w: read body: %v", gateway.ErrBadRequest, err)
			}
			ext.Mapper = mapper.SniffContext(style, ext.PathAndQuery, body)
			return next.Serve(w, r)
		})
	}
}

// bufferBody reads the request body and replaces it with a replayable
// copy.
func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
