package app

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/config"
)

// retries wraps the balancer call in capped exponential backoff. Only
// upstream failures replay: those surface before anything is written to
// the client. Streaming requests never retry; a stream that breaks after
// commit is already truncated on the wire and returns no error here.
func retries(cfg config.Retries) gateway.Middleware {
	return func(next gateway.Service) gateway.Service {
		return gateway.ServiceFunc(func(w http.ResponseWriter, r *http.Request) error {
			body, err := bufferBody(r)
			if err != nil {
				return fmt.Errorf("%w: read body: %v", gateway.ErrBadRequest, err)
			}

			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = cfg.Base
			bo.MaxInterval = cfg.Max
			bo.MaxElapsedTime = 0

			var lastErr error
			for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
				if attempt > 0 {
					select {
					case <-time.After(bo.NextBackOff()):
					case <-r.Context().Done():
						return lastErr
					}
					r.Body = io.NopCloser(bytes.NewReader(body))
				}
				lastErr = next.Serve(w, r)
				if lastErr == nil || !errors.Is(lastErr, gateway.ErrUpstream) {
					return lastErr
				}
				if ext := gateway.Ext(r.Context()); ext != nil && ext.Mapper != nil && ext.Mapper.Stream {
					return lastErr
				}
			}
			return lastErr
		})
	}
}
