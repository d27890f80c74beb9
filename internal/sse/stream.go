package sse

import (
	"context"
	"fmt"
	"io"
)

// Item is one element of an adapted event stream: an event payload, or a
// terminal transport error. Err is set on at most the final item.
type Item struct {
	Event Event
	Err   error
}

// Stream adapts an SSE body into a channel of events read by a single
// goroutine. The "[DONE]" sentinel closes the channel without being
// forwarded. A transport error is delivered as one final Item. Cancelling
// ctx abandons the read; the body is always closed before the channel.
func Stream(ctx context.Context, body io.ReadCloser) <-chan Item {
	ch := make(chan Item, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		r := NewReader(body)
		for {
			ev, err := r.Next()
			if err != nil {
				if err != io.EOF {
					ch <- Item{Err: fmt.Errorf("read stream: %w", err)}
				}
				return
			}
			if string(ev.Data) == "[DONE]" {
				return
			}
			select {
			case ch <- Item{Event: ev}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
