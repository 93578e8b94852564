package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/portel-dev/photonctl/internal/subscription/pulseclient"
)

// PulseBackend is the external-daemon Backend alternative to InprocBackend:
// channel events are published to and consumed from Redis-backed Pulse
// streams, adapted from the teacher's features/stream/pulse sink/subscriber
// pair. Each (photon, item) channel maps to a Pulse stream named
// "channel:<photon-id>:<item-id>".
type PulseBackend struct {
	client pulseclient.Client
}

// envelope mirrors the teacher's pulse.Envelope shape, narrowed to what a
// channel event needs.
type envelope struct {
	Method    string         `json:"method"`
	Params    map[string]any `json:"params,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewPulseBackend constructs a Backend backed by an already-configured Pulse
// client (see pulseclient.New).
func NewPulseBackend(client pulseclient.Client) *PulseBackend {
	return &PulseBackend{client: client}
}

// streamName derives the Pulse stream name for a channel key.
func streamName(key Key) string {
	return fmt.Sprintf("channel:%s:%s", key.PhotonID, key.ItemID)
}

// Publish writes an event directly to the channel's Pulse stream, for
// producers that bypass the in-process Manager.Publish path (e.g. a
// federated external server whose events should fan out cross-process).
func (b *PulseBackend) Publish(ctx context.Context, key Key, method string, params map[string]any) error {
	stream, err := b.client.Stream(streamName(key))
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{Method: method, Params: params, Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}
	_, err = stream.Add(ctx, method, payload)
	return err
}

// Subscribe implements Backend: it opens a Pulse sink (consumer group) on
// the channel's stream and spawns a goroutine that decodes and forwards
// every message until Close is called, acknowledging each after delivery —
// adapted from the teacher's Subscriber.consume loop.
func (b *PulseBackend) Subscribe(_ string, key Key, on OnMessage) (func(), error) {
	stream, err := b.client.Stream(streamName(key))
	if err != nil {
		return nil, err
	}
	sinkName := "subscription-manager"
	sink, err := stream.NewSink(context.Background(), sinkName)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-sink.Subscribe():
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal(ev.Payload, &env); err == nil {
					on(env.Method, env.Params)
				}
				_ = sink.Ack(context.Background(), ev)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		sink.Close(context.Background())
	}, nil
}
