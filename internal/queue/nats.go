package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tomkendall/shutterwell/internal/logging"
)

// NATSConfig holds the JetStream settings for the processing queue.
type NATSConfig struct {
	URL        string
	Stream     string
	Subject    string
	Consumer   string
	MaxDeliver int
	BaseDelay  time.Duration
	AckWait    time.Duration
}

// NATSDispatcher publishes processing jobs to JetStream and, when subscribed,
// consumes them with explicit acks and per-delivery backoff.
type NATSDispatcher struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	config NATSConfig
	log    *logging.Logger

	iter jetstream.MessagesContext
	wg   sync.WaitGroup
}

// NewNATSDispatcher connects to NATS and ensures the processing stream exists.
func NewNATSDispatcher(cfg NATSConfig, log *logging.Logger) (*NATSDispatcher, error) {
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 2 * time.Minute
	}

	opts := []nats.Option{
		nats.Name(cfg.Consumer),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("nats disconnected", logging.WithField("error", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", logging.WithField("url", nc.ConnectedUrl()))
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
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
		Name:     cfg.Stream,
		Subjects: []string{cfg.Subject},
		Storage:  jetstream.FileStorage,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure processing stream: %w", err)
	}

	return &NATSDispatcher{conn: conn, js: js, config: cfg, log: log}, nil
}

// Enqueue publishes the image id and waits for the broker ack.
func (d *NATSDispatcher) Enqueue(ctx context.Context, imageID string) error {
	if _, err := d.js.Publish(ctx, d.config.Subject, []byte(imageID)); err != nil {
		return fmt.Errorf("enqueue image %s: %w", imageID, err)
	}
	return nil
}

// Subscribe starts consuming jobs with the given processor. A processing error
// naks the message with exponential backoff; JetStream stops redelivering
// after MaxDeliver attempts.
func (d *NATSDispatcher) Subscribe(ctx context.Context, processor Processor) error {
	cons, err := d.js.CreateOrUpdateConsumer(ctx, d.config.Stream, jetstream.ConsumerConfig{
		Durable:       d.config.Consumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: d.config.Subject,
		AckWait:       d.config.AckWait,
		MaxDeliver:    d.config.MaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("ensure processing consumer: %w", err)
	}

	iter, err := cons.Messages()
	if err != nil {
		return fmt.Errorf("open message iterator: %w", err)
	}
	d.iter = iter

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.log.Info("processing subscription started", logging.WithField("subject", d.config.Subject))
		for {
			select {
			case <-ctx.Done():
				d.log.Info("processing subscription stopped")
				return
			default:
				msg, err := iter.Next()
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					d.log.Error("receive processing job", logging.WithField("error", err))
					return
				}
				d.handle(ctx, processor, msg)
			}
		}
	}()
	return nil
}

func (d *NATSDispatcher) handle(ctx context.Context, processor Processor, msg jetstream.Msg) {
	imageID := string(msg.Data())

	if err := processor.Process(ctx, imageID); err != nil {
		deliveries := 1
		if meta, metaErr := msg.Metadata(); metaErr == nil {
			deliveries = int(meta.NumDelivered)
		}
		delay := backoffDelay(d.config.BaseDelay, deliveries-1)

		d.log.Warn("processing job nacked",
			logging.WithFields(map[string]interface{}{
				"image_id":   imageID,
				"deliveries": deliveries,
				"delay":      delay.String(),
				"error":      err,
			}))
		if nakErr := msg.NakWithDelay(delay); nakErr != nil {
			d.log.Error("nak processing job", logging.WithField("error", nakErr))
		}
		return
	}

	if err := msg.Ack(); err != nil {
		d.log.Error("ack processing job", logging.WithField("error", err))
	}
}

// Close stops the iterator and drains the connection.
func (d *NATSDispatcher) Close() error {
	if d.iter != nil {
		d.iter.Stop()
	}
	d.wg.Wait()
	if d.conn != nil {
		d.conn.Close()
	}
	return nil
}
