package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tomkendall/shutterwell/internal/logging"
)

// NATSSink publishes audit events to a JetStream subject. Publishing is
// asynchronous and failures are logged, never surfaced to the caller.
type NATSSink struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	subject string
	log     *logging.Logger
}

// NewNATSSink connects to NATS and ensures the audit stream exists.
func NewNATSSink(url, stream, subject string, log *logging.Logger) (*NATSSink, error) {
	opts := []nats.Option{
		nats.Name("shutterwell-audit"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("nats disconnected", logging.WithField("error", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", logging.WithField("url", nc.ConnectedUrl()))
		}),
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     stream,
		Subjects: []string{subject},
		Storage:  jetstream.FileStorage,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure audit stream: %w", err)
	}

	return &NATSSink{conn: conn, js: js, subject: subject, log: log}, nil
}

// Record publishes the event without waiting for the broker ack.
func (s *NATSSink) Record(_ context.Context, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		s.log.Error("marshal audit event", logging.WithField("error", err))
		return
	}

	ack, err := s.js.PublishAsync(s.subject, data)
	if err != nil {
		s.log.Warn("publish audit event",
			logging.WithFields(map[string]interface{}{"kind": event.Kind, "error": err}))
		return
	}

	go func() {
		select {
		case <-ack.Ok():
		case err := <-ack.Err():
			s.log.Warn("audit event not acknowledged",
				logging.WithFields(map[string]interface{}{"kind": event.Kind, "error": err}))
		}
	}()
}

// Close drains the connection.
func (s *NATSSink) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}
