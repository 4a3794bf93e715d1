package events

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"strconv"
	"sync"

	"github.com/segmentio/kafka-go"
)

// KafkaWriter is the subset of kafka.Writer the bus needs; narrowed for tests.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Bus fans lifecycle events out to in-process subscribers and, when a broker
// is configured, to a Kafka topic. Kafka delivery runs on a worker pool so a
// slow broker never blocks a state transition.
type Bus struct {
	subscribers []Publisher
	writer      KafkaWriter
	jobs        chan LifecycleEvent
	workers     int
	wg          sync.WaitGroup
}

// NewBus creates an event bus. broker may be empty, in which case events are
// only dispatched in-process.
func NewBus(broker, topic string, workers int) *Bus {
	b := &Bus{
		jobs:    make(chan LifecycleEvent, workers*4),
		workers: workers,
	}
	if broker != "" {
		b.writer = &kafka.Writer{
			Addr:         kafka.TCP(broker),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		}
	}
	return b
}

// Subscribe registers an in-process consumer. Not safe to call after Start.
func (b *Bus) Subscribe(p Publisher) {
	b.subscribers = append(b.subscribers, p)
}

// Start launches the Kafka delivery workers.
func (b *Bus) Start(ctx context.Context) {
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.worker(ctx, i)
	}
}

// Close waits for the delivery workers to stop and flushes the Kafka
// writer so buffered messages survive shutdown. Call after cancelling the
// context passed to Start.
func (b *Bus) Close() error {
	b.wg.Wait()
	if c, ok := b.writer.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Publish dispatches the event to every subscriber synchronously and queues
// it for Kafka delivery.
func (b *Bus) Publish(event LifecycleEvent) {
	for _, s := range b.subscribers {
		s.Publish(event)
	}
	if b.writer == nil {
		return
	}
	select {
	case b.jobs <- event:
	default:
		log.Printf("event queue full, dropping %s %s->%s", event.Kind, event.FromState, event.ToState)
	}
}

func (b *Bus) worker(ctx context.Context, id int) {
	defer b.wg.Done()
	for {
		select {
		case event := <-b.jobs:
			b.deliver(ctx, event)
		case <-ctx.Done():
			log.Printf("event worker %d shutting down", id)
			return
		}
	}
}

func (b *Bus) deliver(ctx context.Context, event LifecycleEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("failed to marshal lifecycle event: %v", err)
		return
	}
	msg := kafka.Message{
		Key:   []byte(event.Key()),
		Value: payload,
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		log.Printf("failed to produce lifecycle event: %v", err)
	}
}

// AuditLogger is the default in-process subscriber: it writes every
// transition to the application log.
type AuditLogger struct{}

func (AuditLogger) Publish(event LifecycleEvent) {
	subject := event.ConsultationID
	if subject == "" {
		subject = "booking " + strconv.FormatInt(event.BookingID, 10)
	}
	log.Printf("lifecycle: %s %s %s -> %s (actor %d/%s)",
		event.Kind, subject, event.FromState, event.ToState, event.ActorID, event.ActorRole)
}
