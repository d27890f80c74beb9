package app

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/mapper"
	"github.com/eugener/shadowfax/internal/model"
)

// reRouterPath matches the /router/{id}[/path][?query] surface: a 1-12
// character id followed by an optional subpath and query.
var reRouterPath = regexp.MustCompile(`^/router/([A-Za-z0-9_-]{1,12})(/[^?]*)?(\?.*)?$`)

// MetaRouter fans the inbound URL out to one of three surfaces: named
// routers under /router/{id}, the OpenAI-compatible unified surface under
// /ai, and per-provider direct proxies under /{provider}. Anything else
// is not found.
type MetaRouter struct {
	routers map[model.RouterID]gateway.Service
	direct  map[model.InferenceProvider]gateway.Service
	unified gateway.Service

	// authRequired mirrors each router's resolved requirement so the
	// shell can enforce before dispatch; defaultRequired covers the other
	// surfaces.
	authRequired    map[model.RouterID]bool
	defaultRequired bool
}

func (m *MetaRouter) Serve(w http.ResponseWriter, r *http.Request) error {
	ext := gateway.Ext(r.Context())
	if ext == nil {
		return fmt.Errorf("%w: extension bag", gateway.ErrExtensionNotFound)
	}
	uri := r.URL.RequestURI()

	if g := reRouterPath.FindStringSubmatch(uri); g != nil {
		id, err := model.ParseRouterID(g[1])
		if err != nil {
			return fmt.Errorf("%w: %s", gateway.ErrNotFound, r.URL.Path)
		}
		svc, ok := m.routers[id]
		if !ok {
			return fmt.Errorf("%w: unknown router %q", gateway.ErrNotFound, id)
		}
		ext.PathAndQuery = subpath(g[2], g[3])
		return svc.Serve(w, r)
	}

	seg, rest := splitSegment(uri)
	if seg == "ai" {
		ext.PathAndQuery = rest
		return m.unified.Serve(w, r)
	}
	if p, err := model.ParseProvider(seg); err == nil {
		if svc, ok := m.direct[p]; ok {
			ext.PathAndQuery = rest
			// Streaming cannot be detected without parsing the body, so
			// the direct surface is contractually non-streaming.
			ext.Mapper = &gateway.MapperContext{}
			return svc.Serve(w, r)
		}
	}
	return fmt.Errorf("%w: %s", gateway.ErrNotFound, r.URL.Path)
}

// AuthRequired reports whether the surface that will serve path demands a
// credential. The shell consults it before the meta-router runs, so a
// router that opts out of auth admits anonymous requests end to end.
func (m *MetaRouter) AuthRequired(path string) bool {
	if g := reRouterPath.FindStringSubmatch(path); g != nil {
		if id, err := model.ParseRouterID(g[1]); err == nil {
			if req, ok := m.authRequired[id]; ok {
				return req
			}
		}
	}
	return m.defaultRequired
}

// subpath joins the captured path and query groups. A bare prefix maps to
// "/"; a query with no path stands alone.
func subpath(path, query string) string {
	if path == "" {
		if query != "" {
			return query
		}
		return "/"
	}
	return path + query
}

// splitSegment splits the first path segment off the URI and returns it
// with the remaining path-and-query.
func splitSegment(uri string) (string, string) {
	s := strings.TrimPrefix(uri, "/")
	i := strings.IndexAny(s, "/?")
	if i < 0 {
		return s, "/"
	}
	return s[:i], s[i:]
}

// unified is the /ai surface: OpenAI chat completions only, routed to the
// provider named by the request's model id.
type unified struct {
	secrets     *gateway.Secrets
	dispatchers map[model.InferenceProvider]gateway.Service
}

func (u *unified) Serve(w http.ResponseWriter, r *http.Request) error {
	ext := gateway.Ext(r.Context())
	if ext == nil {
		return fmt.Errorf("%w: extension bag", gateway.ErrExtensionNotFound)
	}
	if et, ok := model.EndpointTypeFromPath(model.ProviderOpenAI, ext.PathAndQuery); !ok || et != model.EndpointChat {
		return fmt.Errorf("%w: %s is not served on the unified surface", gateway.ErrNotFound, ext.PathAndQuery)
	}

	body, err := bufferBody(r)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", gateway.ErrBadRequest, err)
	}
	mc := mapper.SniffContext(model.ProviderOpenAI, ext.PathAndQuery, body)
	if mc.Model == nil {
		return fmt.Errorf("%w: model is required", gateway.ErrBadRequest)
	}
	svc, ok := u.dispatchers[mc.Model.Provider]
	if !ok {
		return fmt.Errorf("%w: provider %s is not configured", gateway.ErrBadRequest, mc.Model.Provider)
	}

	ext.Mapper = mc
	ext.Endpoint = &model.ApiEndpoint{Provider: mc.Model.Provider, Type: model.EndpointChat}
	ext.Request = &gateway.RequestContext{
		Auth:      ext.Auth,
		Router:    model.RouterDefault,
		Secrets:   u.secrets,
		StartTime: time.Now(),
		RequestID: ext.RequestID,
	}
	return svc.Serve(w, r)
}
