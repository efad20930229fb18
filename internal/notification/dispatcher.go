package notification

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Dispatcher renders a notification on the caller's goroutine and delivers it
// in the background. Delivery errors are logged, never returned.
type Dispatcher struct {
	sender   Sender
	renderer *Renderer
	log      zerolog.Logger
	timeout  time.Duration
	wg       sync.WaitGroup
}

func NewDispatcher(sender Sender, renderer *Renderer, log zerolog.Logger, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		sender:   sender,
		renderer: renderer,
		log:      log.With().Str("component", "notification").Logger(),
		timeout:  timeout,
	}
}

func (d *Dispatcher) Notify(ctx context.Context, kind Kind, data Data) {
	ev := d.log.With().Str("kind", string(kind)).Str("to", data.RecipientEmail).Logger()

	if data.RecipientEmail == "" {
		ev.Warn().Msg("notification skipped: no recipient")
		return
	}

	subject, body, err := d.renderer.Render(kind, data)
	if err != nil {
		ev.Error().Err(err).Msg("notification render failed")
		return
	}

	// The request may finish before the mail goes out.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				ev.Error().Interface("panic", r).Msg("notification sender panicked")
			}
		}()

		if err := d.sender.Send(sendCtx, data.RecipientEmail, subject, body); err != nil {
			ev.Error().Err(err).Msg("notification delivery failed")
			return
		}
		ev.Debug().Msg("notification delivered")
	}()
}

// Wait blocks until every in-flight delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
