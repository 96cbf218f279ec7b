// Package relay carries cross-server broadcasts over AMQP: each server
// publishes relay envelopes to its peers' topics and subscribes to its
// own. Peer sends go through a circuit breaker per peer url so one wedged
// broker route cannot stall the fan-out path.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	wamqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/pebblerpc/pebble/internal/broadcast"
)

// Envelope is the relay wire record: the framed broadcast payload plus
// routing and diagnostic metadata. Payload is the already-framed
// RpcHead|body bytes, opaque to the relay.
type Envelope struct {
	Channel string `json:"channel"`
	Origin  string `json:"origin"`
	AppID   string `json:"app_id,omitempty"`
	Payload []byte `json:"payload"`
}

// Bus is one server's relay endpoint: a shared AMQP publisher for
// outbound peer sends and a subscriber on this server's own topic for
// inbound relayed broadcasts.
type Bus struct {
	pub     message.Publisher
	sub     message.Subscriber
	log     *slog.Logger
	selfURL string
	appID   string
}

// New wraps existing watermill endpoints; tests pass gochannel-backed
// ones. selfURL is this server's relay address as registered in naming.
func New(pub message.Publisher, sub message.Subscriber, selfURL, appID string, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{pub: pub, sub: sub, log: log, selfURL: selfURL, appID: appID}
}

// NewAMQP dials the broker at amqpURI and builds a durable pub/sub pair,
// one queue per server so every instance sees every relayed broadcast.
func NewAMQP(amqpURI, selfURL, appID string, log *slog.Logger) (*Bus, error) {
	if log == nil {
		log = slog.Default()
	}
	wlog := watermill.NewSlogLogger(log)
	cfg := wamqp.NewDurablePubSubConfig(amqpURI,
		wamqp.GenerateQueueNameTopicNameWithSuffix("."+sanitize(selfURL)))

	pub, err := wamqp.NewPublisher(cfg, wlog)
	if err != nil {
		return nil, fmt.Errorf("relay: amqp publisher: %w", err)
	}
	sub, err := wamqp.NewSubscriber(cfg, wlog)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("relay: amqp subscriber: %w", err)
	}
	return New(pub, sub, selfURL, appID, log), nil
}

// Dial implements broadcast.PeerDialer. Connections share the bus's
// publisher; what "Dial" creates is the per-peer breaker state.
func (b *Bus) Dial(url string) (broadcast.PeerSender, error) {
	if url == "" {
		return nil, fmt.Errorf("relay: empty peer url")
	}
	return &peer{
		bus:   b,
		url:   url,
		topic: topicFor(url),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "relay:" + url,
		}),
	}, nil
}

// Run consumes this server's own relay topic until ctx ends, handing each
// envelope's payload to deliver. The receiver forwards only locally
// (deliver must not re-relay), so relay is never recursive.
func (b *Bus) Run(ctx context.Context, deliver func(channel string, payload []byte)) error {
	msgs, err := b.sub.Subscribe(ctx, topicFor(b.selfURL))
	if err != nil {
		return fmt.Errorf("relay: subscribe: %w", err)
	}
	go func() {
		for msg := range msgs {
			var env Envelope
			if err := json.Unmarshal(msg.Payload, &env); err != nil {
				b.log.Warn("relay: drop undecodable envelope", "msg_id", msg.UUID, "err", err)
				msg.Ack()
				continue
			}
			if env.Origin == b.selfURL {
				msg.Ack()
				continue
			}
			deliver(env.Channel, env.Payload)
			msg.Ack()
		}
	}()
	return nil
}

// Close releases the underlying endpoints.
func (b *Bus) Close() error {
	perr := b.pub.Close()
	serr := b.sub.Close()
	if perr != nil {
		return perr
	}
	return serr
}

type peer struct {
	bus     *Bus
	url     string
	topic   string
	breaker *gobreaker.CircuitBreaker
}

func (p *peer) URL() string { return p.url }

func (p *peer) Send(channel string, payload []byte) error {
	env := Envelope{
		Channel: channel,
		Origin:  p.bus.selfURL,
		AppID:   p.bus.appID,
		Payload: payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("relay: marshal envelope: %w", err)
	}
	_, err = p.breaker.Execute(func() (any, error) {
		msg := message.NewMessage(uuid.NewString(), data)
		return nil, p.bus.pub.Publish(p.topic, msg)
	})
	if err != nil {
		return fmt.Errorf("relay: publish to %s: %w", p.url, err)
	}
	return nil
}

// Close drops only this peer's breaker state; the publisher is shared
// across peers and owned by the Bus.
func (p *peer) Close() error { return nil }

func topicFor(url string) string { return "pebble.relay." + sanitize(url) }

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
