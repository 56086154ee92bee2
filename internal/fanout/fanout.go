// Package fanout mirrors websocket traffic between server instances
// over a Kafka topic, so two matched users connected to different
// instances still see each other's events.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/npezzotti/go-strangerchat/internal/server"
)

const writeTimeout = 5 * time.Second

// Sink receives messages mirrored from sibling instances.
type Sink interface {
	Deliver(userIds []int, msg *server.ServerMessage)
}

// envelope wraps a serialized ServerMessage with its origin instance,
// so consumers can skip traffic they produced themselves.
type envelope struct {
	Instance string          `json:"instance"`
	UserIds  []int           `json:"user_ids"`
	Payload  json.RawMessage `json:"payload"`
}

type Bridge struct {
	log      *log.Logger
	instance string
	writer   *kafka.Writer
	reader   *kafka.Reader
	sink     Sink
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewBridge(logger *log.Logger, brokers []string, topic, instance string, sink Sink) *Bridge {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}

	// Every instance consumes under its own group so the topic acts
	// as a broadcast, not a work queue.
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     fmt.Sprintf("strangerchat-%s-%d", instance, time.Now().UnixNano()),
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})

	// The read loop's context exists before Run starts, so a Shutdown
	// racing startup still cancels it.
	ctx, cancel := context.WithCancel(context.Background())

	return &Bridge{
		log:      logger,
		instance: instance,
		writer:   writer,
		reader:   reader,
		sink:     sink,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Mirror implements server.Remote. Failures are logged and dropped;
// cross-instance delivery is best effort.
func (b *Bridge) Mirror(userIds []int, msg *server.ServerMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.log.Println("fanout: serialize message:", err)
		return
	}

	data, err := json.Marshal(envelope{
		Instance: b.instance,
		UserIds:  userIds,
		Payload:  payload,
	})
	if err != nil {
		b.log.Println("fanout: serialize envelope:", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := b.writer.WriteMessages(ctx, kafka.Message{Value: data}); err != nil {
		b.log.Println("fanout: write message:", err)
	}
}

func (b *Bridge) Run() {
	defer close(b.done)

	for {
		m, err := b.reader.ReadMessage(b.ctx)
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			b.log.Println("fanout: read message:", err)
			continue
		}

		b.handle(m.Value)
	}
}

// handle decodes one envelope and routes it to the sink unless this
// instance produced it.
func (b *Bridge) handle(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		b.log.Println("fanout: parse envelope:", err)
		return
	}

	if env.Instance == b.instance {
		return
	}

	var msg server.ServerMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		b.log.Println("fanout: parse payload:", err)
		return
	}

	b.sink.Deliver(env.UserIds, &msg)
}

func (b *Bridge) Shutdown() {
	b.cancel()

	if err := b.reader.Close(); err != nil {
		b.log.Println("fanout: close reader:", err)
	}
	if err := b.writer.Close(); err != nil {
		b.log.Println("fanout: close writer:", err)
	}

	<-b.done
}
