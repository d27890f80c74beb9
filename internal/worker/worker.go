// Package worker runs the gateway's background tasks: the endpoint
// monitors, the request log recorder and the rate limiter sweeper.
package worker

import "context"

// Worker is a long-running background task.
type Worker interface {
	// Run blocks until ctx is cancelled or an unrecoverable error occurs.
	Run(ctx context.Context) error
}
