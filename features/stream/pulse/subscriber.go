package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/aura-ai/aura/features/stream/pulse/clients/pulse"
)

type (
	// SubscriberOptions configures a Pulse-backed mirror reader.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "aura_subscriber".
		SinkName string
		// Buffer specifies the envelope channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber consumes the event mirror and emits decoded envelopes. Each
	// consumer group sees every entry once; entries are acked after emission.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
	}
)

// NewSubscriber constructs a Pulse-backed subscriber. The Client field in
// opts is required.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "aura_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, buffer: buffer, name: name}, nil
}

// Subscribe opens a consumer group on the given stream and returns channels
// for envelopes and errors. The returned cancel function stops consumption,
// closes the sink, and closes both channels.
//
// Usage:
//
//	envs, errs, cancel, err := sub.Subscribe(ctx, "aura/events")
//	defer cancel()
//	for env := range envs {
//	    // process envelope
//	}
func (s *Subscriber) Subscribe(
	ctx context.Context,
	streamID string,
	opts ...streamopts.Sink,
) (<-chan Envelope, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	envs := make(chan Envelope, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, envs, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return envs, errs, cancelFunc, nil
}

// consume reads entries from the Pulse sink, decodes them, and emits them on
// out, acking each entry after emission. Both channels close when ctx is
// canceled or the sink channel closes. Decode and ack failures land on errs
// and stop consumption.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- Envelope, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal(evt.Payload, &env); err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}
