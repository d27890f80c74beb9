package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/mapper"
	"github.com/eugener/shadowfax/internal/model"
	"github.com/eugener/shadowfax/internal/sse"
	"github.com/eugener/shadowfax/internal/tokencount"
)

// stream relays an upstream event stream to the client, translating each
// event through the stream mapper. The 200 and SSE headers are committed
// before the first upstream event, so once pumping starts a broken stream
// can only be cut short, never turned into an error status.
func (d *Dispatcher) stream(ctx context.Context, w http.ResponseWriter, resp *http.Response, plan *mapper.RequestPlan, ext *gateway.Extensions, reqBytes int64, start time.Time, done func(bool)) error {
	sm, err := mapper.NewStreamMapper(d.style, d.endpoint.Provider, plan.TargetModel)
	if err != nil {
		resp.Body.Close()
		done(false)
		return err
	}
	sse.WriteHeaders(w)

	pump := pumpState{d: d, w: w, sm: sm, start: start}
	var failed bool
	if d.endpoint.Provider == model.ProviderBedrock {
		failed = pump.eventStream(ctx, resp.Body)
	} else {
		failed = pump.serverSentEvents(ctx, resp.Body)
	}
	if failed {
		d.countError("stream")
	} else {
		pump.emit(sm.Finish())
	}
	done(failed)
	d.observeDuration(start)

	prompt, completion := sm.Usage()
	if prompt == 0 && completion == 0 && !failed {
		// Streams that never carried usage frames still get a
		// prompt-side estimate; the output side is gone after relay.
		prompt = tokencount.Prompt(plan.Body)
	}
	d.submitLog(ctx, ext, plan, http.StatusOK, start, pump.tfft, prompt, completion, reqBytes, pump.written)
	return nil
}

// pumpState carries the per-stream accounting shared by the two wire
// formats: time to first token and bytes written to the client.
type pumpState struct {
	d       *Dispatcher
	w       http.ResponseWriter
	sm      *mapper.StreamMapper
	start   time.Time
	tfft    time.Duration
	written int64
}

// serverSentEvents pumps a text/event-stream body. A transport error or an
// untranslatable event marks the endpoint failed; client disconnects end
// the pump through context cancellation and are not the endpoint's fault.
func (p *pumpState) serverSentEvents(ctx context.Context, body io.ReadCloser) (failed bool) {
	for item := range sse.Stream(ctx, body) {
		if item.Err != nil {
			p.warn(ctx, "upstream stream broken", item.Err)
			return true
		}
		p.markFirstToken()
		evs, err := p.sm.Map(item.Event)
		if err != nil {
			p.warn(ctx, "stream event mapping failed", err)
			return true
		}
		p.emit(evs)
	}
	return false
}

// eventStream pumps a Bedrock application/vnd.amazon.eventstream body:
// binary frames whose payloads wrap base64 Anthropic events. Exception
// frames end the stream as a remote failure.
func (p *pumpState) eventStream(ctx context.Context, body io.ReadCloser) (failed bool) {
	defer body.Close()
	dec := eventstream.NewDecoder()
	for {
		msg, err := dec.Decode(body, nil)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return false
			}
			p.warn(ctx, "upstream stream broken", err)
			return true
		}

		switch headerValue(msg.Headers, ":message-type") {
		case "exception":
			errType := headerValue(msg.Headers, ":exception-type")
			if len(errType) > 64 {
				errType = errType[:64]
			}
			payload := msg.Payload
			if len(payload) > 512 {
				payload = payload[:512]
			}
			p.warn(ctx, "upstream stream broken", fmt.Errorf("bedrock exception %s: %s", errType, payload))
			return true
		case "event":
		default:
			continue
		}

		payload, err := mapper.BedrockChunkPayload(msg.Payload)
		if err != nil {
			p.warn(ctx, "stream event mapping failed", err)
			return true
		}
		p.markFirstToken()
		evs, err := p.sm.Map(sse.Event{Data: payload})
		if err != nil {
			p.warn(ctx, "stream event mapping failed", err)
			return true
		}
		p.emit(evs)
	}
}

// headerValue extracts a string header value from event stream headers.
func headerValue(headers eventstream.Headers, name string) string {
	v := headers.Get(name)
	if v == nil {
		return ""
	}
	if sv, ok := v.(eventstream.StringValue); ok {
		return string(sv)
	}
	return ""
}

func (p *pumpState) emit(evs []sse.Event) {
	for _, ev := range evs {
		sse.WriteEvent(p.w, ev.Name, ev.Data)
		p.written += int64(len(ev.Data))
	}
	if len(evs) > 0 {
		sse.Flush(p.w)
	}
}

func (p *pumpState) markFirstToken() {
	if p.tfft != 0 {
		return
	}
	p.tfft = p.d.firstToken(p.start)
}

func (p *pumpState) warn(ctx context.Context, msg string, err error) {
	slog.LogAttrs(ctx, slog.LevelWarn, msg,
		slog.String("endpoint", p.d.endpoint.String()),
		slog.String("error", err.Error()))
}
