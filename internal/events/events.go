// Package events relays the transactional outbox to the message broker.
package events

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/richardliu001/custody-ledger/internal/config"
	"github.com/richardliu001/custody-ledger/internal/metrics"
	"github.com/richardliu001/custody-ledger/internal/model"
	"github.com/richardliu001/custody-ledger/internal/shard"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher delivers one outbox event. Delivery is at-least-once; consumers
// dedupe on the event id.
type Publisher interface {
	Publish(ctx context.Context, evt model.OutboxEvent) error
	Close() error
}

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}}
}

// Publish keys messages by aggregate so one account's events stay ordered.
func (p *KafkaPublisher) Publish(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(evt.AggregateID),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(strconv.FormatUint(evt.ID, 10))},
			{Key: "event_type", Value: []byte(evt.EventType)},
		},
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

type NATSPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	subject string
}

// ConnectNATS publishes to JetStream so the broker dedupes redeliveries by
// message id.
func ConnectNATS(url, subject string, log *zap.SugaredLogger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(100),
		nats.ReconnectWait(3*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warnw("nats disconnected", "url", nc.ConnectedUrl(), "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infow("nats reconnected", "url", nc.ConnectedUrl())
		}))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	return &NATSPublisher{nc: nc, js: js, subject: subject}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, evt model.OutboxEvent) error {
	subj := p.subject + "." + evt.EventType
	_, err := p.js.Publish(ctx, subj, []byte(evt.Payload), jetstream.WithMsgID(strconv.FormatUint(evt.ID, 10)))
	return err
}

func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}

// NewPublisher picks the broker named by cfg.Broker.Type.
func NewPublisher(cfg *config.Config, log *zap.SugaredLogger) (Publisher, error) {
	switch cfg.Broker.Type {
	case "kafka":
		return NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic), nil
	case "nats":
		return ConnectNATS(cfg.NATS.URL, cfg.NATS.Subject, log)
	default:
		return nil, fmt.Errorf("events: unknown broker %q", cfg.Broker.Type)
	}
}

type outboxStore interface {
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
}

// Relay moves unprocessed outbox events to a Publisher. Only the worker
// holding shard index 0 publishes; the others skip their passes.
type Relay struct {
	store      outboxStore
	pub        Publisher
	membership shard.Membership
	batch      int
	m          *metrics.Metrics
	log        *zap.SugaredLogger
}

func NewRelay(store outboxStore, pub Publisher, membership shard.Membership, batch int, m *metrics.Metrics, log *zap.SugaredLogger) *Relay {
	return &Relay{store: store, pub: pub, membership: membership, batch: batch, m: m, log: log}
}

// Pass publishes one batch in id order. It stops at the first failed publish
// so later events are not delivered ahead of it.
func (r *Relay) Pass(ctx context.Context) error {
	index, _, err := r.membership.Shard(ctx)
	if err != nil {
		return fmt.Errorf("membership: %w", err)
	}
	if index != 0 {
		return nil
	}
	evts, err := r.store.PollOutbox(ctx, r.batch)
	if err != nil {
		return fmt.Errorf("poll outbox: %w", err)
	}
	for _, evt := range evts {
		if err := r.pub.Publish(ctx, evt); err != nil {
			r.m.EventsPublished.WithLabelValues("error").Inc()
			return fmt.Errorf("publish id=%d: %w", evt.ID, err)
		}
		r.m.EventsPublished.WithLabelValues("ok").Inc()
		if err := r.store.MarkOutboxProcessed(ctx, evt.ID); err != nil {
			return fmt.Errorf("mark processed id=%d: %w", evt.ID, err)
		}
		r.log.Debugw("event sent", "id", evt.ID, "type", evt.EventType)
	}
	return nil
}
