package events

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"jokeguard/internal/config"
)

// Sink receives complete, newline-terminated JSON records.
type Sink interface {
	Name() string
	Write(ctx context.Context, line []byte) error
	Close() error
}

type writerSink struct {
	name string
	w    io.Writer
	c    io.Closer
}

func NewWriterSink(name string, w io.Writer) Sink {
	return &writerSink{name: name, w: w}
}

// OpenSink resolves "stdout", "stderr" or a file path opened for append.
func OpenSink(output string) (Sink, error) {
	switch strings.ToLower(strings.TrimSpace(output)) {
	case "", "stdout":
		return &writerSink{name: "stdout", w: os.Stdout}, nil
	case "stderr":
		return &writerSink{name: "stderr", w: os.Stderr}, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event sink %s: %w", output, err)
	}
	return &writerSink{name: "file", w: f, c: f}, nil
}

func (s *writerSink) Name() string { return s.name }

func (s *writerSink) Write(_ context.Context, line []byte) error {
	_, err := s.w.Write(line)
	return err
}

func (s *writerSink) Close() error {
	if s.c != nil {
		return s.c.Close()
	}
	return nil
}

// KafkaSink publishes every record to a topic for the external shipper.
// Writes are asynchronous; delivery errors are reported through onError.
type KafkaSink struct {
	writer  *kafka.Writer
	onError func(error)
}

func NewKafkaSink(cfg config.KafkaConfig, onError func(error)) *KafkaSink {
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 100 * time.Millisecond
	}
	k := &KafkaSink{onError: onError}
	k.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(_ []kafka.Message, err error) {
			if err != nil && k.onError != nil {
				k.onError(fmt.Errorf("kafka delivery: %w", err))
			}
		},
	}
	return k
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Write(ctx context.Context, line []byte) error {
	value := strings.TrimRight(string(line), "\n")
	return k.writer.WriteMessages(ctx, kafka.Message{Value: []byte(value)})
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
