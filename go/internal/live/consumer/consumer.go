// Package consumer feeds bus-originated events into the hub. Field
// control software that is not socket-attached (the match scheduler, the
// scorekeeping service) publishes the same event envelope to JetStream;
// this consumer replays it through the broadcaster path.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/robocomp/fieldhub/go/internal/live/events"
)

// Publisher is the slice of the hub the consumer needs.
type Publisher interface {
	PublishBus(ev *events.Event)
}

// Config holds JetStream consumer settings.
type Config struct {
	URL           string
	StreamName    string
	ConsumerName  string
	SubjectFilter string
	MaxDeliver    int
	AckWait       time.Duration
	MaxAckPending int
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		StreamName:    "ARENA_EVENTS",
		ConsumerName:  "fieldhub",
		SubjectFilter: "arena.events.>",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// Consumer is a durable JetStream consumer bridging the bus to the hub.
type Consumer struct {
	pub      Publisher
	nc       *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer
	cfg      Config
}

// New connects to NATS and ensures the durable consumer exists.
func New(pub Publisher, cfg Config) (*Consumer, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	c := &Consumer{pub: pub, nc: nc, js: js, cfg: cfg}
	if err := c.ensureConsumer(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}
	return c, nil
}

func (c *Consumer) ensureConsumer(ctx context.Context) error {
	stream, err := c.js.Stream(ctx, c.cfg.StreamName)
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}

	consumerConfig := jetstream.ConsumerConfig{
		Name:          c.cfg.ConsumerName,
		Durable:       c.cfg.ConsumerName,
		Description:   "fieldhub event bridge",
		FilterSubject: c.cfg.SubjectFilter,
		DeliverPolicy: jetstream.DeliverLastPerSubjectPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    c.cfg.MaxDeliver,
		AckWait:       c.cfg.AckWait,
		MaxAckPending: c.cfg.MaxAckPending,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
	}

	cons, err := stream.Consumer(ctx, c.cfg.ConsumerName)
	if err != nil {
		cons, err = stream.CreateConsumer(ctx, consumerConfig)
		if err != nil {
			return fmt.Errorf("create consumer: %w", err)
		}
		log.Info().
			Str("consumer", c.cfg.ConsumerName).
			Str("stream", c.cfg.StreamName).
			Msg("created JetStream consumer")
	}

	c.consumer = cons
	return nil
}

// Start consumes bus messages until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	log.Info().
		Str("consumer", c.cfg.ConsumerName).
		Str("stream", c.cfg.StreamName).
		Msg("starting bus consumer")

	messageCh := make(chan jetstream.Msg, 100)
	consumeCtx, err := c.consumer.Consume(func(msg jetstream.Msg) {
		select {
		case messageCh <- msg:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("bus consumer shutting down")
			return nil
		case msg := <-messageCh:
			if err := c.processMessage(msg); err != nil {
				log.Error().
					Err(err).
					Str("subject", msg.Subject()).
					Msg("failed to process bus message")
				if nakErr := msg.Nak(); nakErr != nil {
					log.Error().Err(nakErr).Msg("failed to NAK message")
				}
				continue
			}
			if ackErr := msg.Ack(); ackErr != nil {
				log.Error().Err(ackErr).Msg("failed to ACK message")
			}
		}
	}
}

// processMessage decodes one bus envelope and hands it to the hub. A
// malformed or unscoped message is NAK'd; the stream's MaxDeliver cap
// drops it after redelivery, so a buggy sender cannot wedge the consumer.
func (c *Consumer) processMessage(msg jetstream.Msg) error {
	var ev events.Event
	if err := json.Unmarshal(msg.Data(), &ev); err != nil {
		return fmt.Errorf("unmarshal event envelope: %w", err)
	}
	if !ev.Type.Known() {
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	if ev.TournamentID == "" {
		return fmt.Errorf("event %s missing tournament scope", ev.ID)
	}

	log.Debug().
		Str("event_id", ev.ID).
		Str("event_type", string(ev.Type)).
		Str("subject", msg.Subject()).
		Msg("bus event accepted")

	c.pub.PublishBus(&ev)
	return nil
}

// Stop closes the NATS connection.
func (c *Consumer) Stop() {
	log.Info().Msg("stopping bus consumer")
	if c.nc != nil {
		c.nc.Close()
	}
}
