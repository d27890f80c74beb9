// Package cache is the bucketed read-through response cache. A logical
// request key fans out over N buckets so concurrent read-through does not
// converge on a single entry; freshness and revalidation follow the
// Cache-Control semantics of the stored response.
package cache

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Directives is a parsed Cache-Control value. Only the directives the
// gateway acts on are retained; everything else is ignored.
type Directives struct {
	NoStore    bool
	NoCache    bool
	Private    bool
	MaxAge     time.Duration
	SMaxAge    time.Duration
	HasMaxAge  bool
	HasSMaxAge bool
}

// ParseDirectives parses a Cache-Control header. Directive names are
// case-insensitive; malformed or negative ages read as absent.
func ParseDirectives(v string) Directives {
	var d Directives
	for _, part := range strings.Split(v, ",") {
		name, arg, _ := strings.Cut(strings.TrimSpace(part), "=")
		switch strings.ToLower(name) {
		case "no-store":
			d.NoStore = true
		case "no-cache":
			d.NoCache = true
		case "private":
			d.Private = true
		case "max-age":
			if secs, ok := parseSeconds(arg); ok {
				d.MaxAge = secs
				d.HasMaxAge = true
			}
		case "s-maxage":
			if secs, ok := parseSeconds(arg); ok {
				d.SMaxAge = secs
				d.HasSMaxAge = true
			}
		}
	}
	return d
}

func parseSeconds(arg string) (time.Duration, bool) {
	secs, err := strconv.ParseInt(strings.Trim(strings.TrimSpace(arg), `"`), 10, 64)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// Policy is the freshness contract stored with an entry: when it was
// fetched, how long it counts as fresh, and the validators a conditional
// request can present once it goes stale.
type Policy struct {
	FetchedAt    time.Time
	TTL          time.Duration
	ETag         string
	LastModified string
}

// Fresh reports whether the entry may be served without revalidation.
func (p Policy) Fresh(now time.Time) bool {
	return now.Sub(p.FetchedAt) < p.TTL
}

// Revalidatable reports whether the entry carries validators.
func (p Policy) Revalidatable() bool {
	return p.ETag != "" || p.LastModified != ""
}

// ConditionalHeaders sets If-None-Match / If-Modified-Since on an
// upstream request from the stale entry's validators.
func (p Policy) ConditionalHeaders(h http.Header) {
	if p.ETag != "" {
		h.Set("If-None-Match", p.ETag)
	}
	if p.LastModified != "" {
		h.Set("If-Modified-Since", p.LastModified)
	}
}

// Refresh re-dates the policy after a 304, adopting any new lifetime or
// validators the revalidation response carried.
func (p Policy) Refresh(hdr http.Header, now time.Time, maxTTL time.Duration) Policy {
	p.FetchedAt = now
	d := ParseDirectives(hdr.Get("Cache-Control"))
	switch {
	case d.HasSMaxAge:
		p.TTL = d.SMaxAge
	case d.HasMaxAge:
		p.TTL = d.MaxAge
	}
	if maxTTL > 0 && p.TTL > maxTTL {
		p.TTL = maxTTL
	}
	if et := hdr.Get("Etag"); et != "" {
		p.ETag = et
	}
	if lm := hdr.Get("Last-Modified"); lm != "" {
		p.LastModified = lm
	}
	return p
}

// storePolicy decides whether a response may enter the cache under the
// merged request directives and the response's own Cache-Control, and
// with what freshness lifetime. Shared (s-maxage) beats response max-age
// beats request max-age; when no one states a lifetime the store bound
// applies. Event streams never store.
func storePolicy(req Directives, status int, hdr http.Header, now time.Time, maxTTL time.Duration) (Policy, bool) {
	if status < 200 || status >= 300 {
		return Policy{}, false
	}
	if req.NoStore {
		return Policy{}, false
	}
	if strings.HasPrefix(hdr.Get("Content-Type"), "text/event-stream") {
		return Policy{}, false
	}
	resp := ParseDirectives(hdr.Get("Cache-Control"))
	if resp.NoStore || resp.Private {
		return Policy{}, false
	}
	p := Policy{
		FetchedAt:    now,
		ETag:         hdr.Get("Etag"),
		LastModified: hdr.Get("Last-Modified"),
	}
	switch {
	case resp.HasSMaxAge:
		p.TTL = resp.SMaxAge
	case resp.HasMaxAge:
		p.TTL = resp.MaxAge
	case req.HasMaxAge:
		p.TTL = req.MaxAge
	default:
		p.TTL = maxTTL
	}
	if resp.NoCache {
		// Usable only through revalidation. Without validators there is
		// nothing to revalidate against, so storing it is pointless.
		p.TTL = 0
		if !p.Revalidatable() {
			return Policy{}, false
		}
	}
	if maxTTL > 0 && p.TTL > maxTTL {
		p.TTL = maxTTL
	}
	return p, true
}
