// Package dispatch holds the leaf services of the request plane: the
// per-(router, provider) Dispatcher that maps, signs, and forwards one
// request to an upstream endpoint, and the Passthrough that relays raw
// provider traffic untouched. Everything above (balancing, caching, rate
// limiting) composes around these two.
package dispatch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/rs/dnscache"

	"github.com/eugener/shadowfax/internal/cloudauth"
	"github.com/eugener/shadowfax/internal/config"
	"github.com/eugener/shadowfax/internal/model"
)

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching. Set forceHTTP2 to true for remote HTTPS APIs, false
// for local HTTP/1.1 servers (e.g. Ollama).
func NewTransport(resolver *dnscache.Resolver, forceHTTP2 bool, connectTimeout time.Duration) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   forceHTTP2,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	d := &net.Dialer{Timeout: connectTimeout}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	} else {
		t.DialContext = d.DialContext
	}
	return t
}

// NewClient builds the HTTP client a dispatcher or passthrough uses for one
// provider: the shared transport tuning plus the provider's credential layer
// as a RoundTripper, so request construction never touches secrets.
func NewClient(ctx context.Context, p model.InferenceProvider, cfg config.Provider, connectTimeout time.Duration, resolver *dnscache.Resolver) (*http.Client, error) {
	base := NewTransport(resolver, p != model.ProviderOllama, connectTimeout)
	rt, err := authTransport(ctx, p, cfg, base)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: rt}, nil
}

func authTransport(ctx context.Context, p model.InferenceProvider, cfg config.Provider, base http.RoundTripper) (http.RoundTripper, error) {
	switch p {
	case model.ProviderOpenAI:
		return &cloudauth.APIKeyTransport{Key: cfg.APIKey, HeaderName: "Authorization", Prefix: "Bearer ", Base: base}, nil
	case model.ProviderAnthropic:
		return &cloudauth.APIKeyTransport{Key: cfg.APIKey, HeaderName: "x-api-key", Base: base}, nil
	case model.ProviderGemini:
		if cfg.Hosting == "vertex" {
			rt, err := cloudauth.NewGCPOAuthTransport(ctx, base, "https://www.googleapis.com/auth/cloud-platform")
			if err != nil {
				return nil, fmt.Errorf("gemini vertex credentials: %w", err)
			}
			return rt, nil
		}
		return &cloudauth.APIKeyTransport{Key: cfg.APIKey, HeaderName: "x-goog-api-key", Base: base}, nil
	case model.ProviderBedrock:
		creds, err := bedrockCredentials(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return cloudauth.NewAWSSigV4Transport(base, creds, cfg.Region, "bedrock-runtime"), nil
	case model.ProviderOllama:
		return base, nil
	}
	return nil, fmt.Errorf("%w: %s", model.ErrProviderNotSupported, p)
}

func bedrockCredentials(ctx context.Context, cfg config.Provider) (aws.CredentialsProvider, error) {
	if cfg.AccessKeyID != "" {
		return cloudauth.StaticAWSCredentials(cfg.AccessKeyID, cfg.SecretAccessKey), nil
	}
	creds, err := cloudauth.DefaultAWSCredentials(ctx, cfg.Region)
	if err != nil {
		return nil, fmt.Errorf("bedrock credentials: %w", err)
	}
	return creds, nil
}

// hopByHopHeaders must not be forwarded between client and upstream.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// copyInbound copies client request headers onto an outbound request,
// dropping hop-by-hop headers, client credentials (the transport chain adds
// the provider's own), gateway-internal helicone-* headers, and headers the
// outbound body invalidates. Accept-Encoding is dropped so the transport
// negotiates compression itself and hands back a decoded body.
func copyInbound(dst, src http.Header) {
	for key, vals := range src {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		lower := strings.ToLower(key)
		if lower == "authorization" || lower == "x-api-key" ||
			lower == "x-goog-api-key" || lower == "api-key" {
			continue
		}
		if lower == "host" || lower == "content-length" || lower == "accept-encoding" || lower == "cookie" {
			continue
		}
		if strings.HasPrefix(lower, "helicone-") {
			continue
		}
		dst[key] = vals
	}
}

// copyUpstream copies upstream response headers onto the client response,
// dropping hop-by-hop headers, Content-Length (the mapped body's length
// differs), and x-request-id (captured into extensions, not exposed).
func copyUpstream(dst, src http.Header) {
	for key, vals := range src {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		lower := strings.ToLower(key)
		if lower == "content-length" || lower == "x-request-id" {
			continue
		}
		dst[key] = vals
	}
}
