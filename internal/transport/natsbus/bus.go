// Package natsbus carries device commands and acknowledgments over NATS.
//
// Command topics are mapped onto subjects under a configurable prefix, e.g.
// "/ten01/prod01/d1/cmd/reset" becomes "ctl.cmd.ten01.prod01.d1.cmd.reset".
// With JetStream enabled each publish carries the task id as Nats-Msg-Id so
// the stream drops duplicates.
package natsbus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"ctlflow/internal/config"
	"ctlflow/internal/dispatch"
	"ctlflow/internal/domain"
)

type Bus struct {
	nc         *nats.Conn
	js         jetstream.JetStream
	prefix     string
	ackSubject string
}

func Connect(cfg config.NATSConfig) (*Bus, error) {
	name := cfg.Name
	if name == "" {
		name = "ctlflow"
	}
	name += "-" + uuid.NewString()[:8]

	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.PingInterval(5*time.Second),
		nats.MaxPingsOutstanding(3),
		nats.ReconnectWait(500*time.Millisecond),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}

	b := &Bus{nc: nc, prefix: cfg.SubjectPrefix, ackSubject: cfg.AckSubject}
	if b.ackSubject == "" {
		b.ackSubject = "ctl.ack.>"
	}
	if cfg.JetStream {
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("nats jetstream init: %w", err)
		}
		b.js = js
	}

	log.Info().Str("url", cfg.URL).Str("name", name).Bool("jetstream", b.js != nil).Msg("nats connected")
	return b, nil
}

// Subject maps an MQTT-style topic onto a subject under prefix. Characters
// NATS reserves inside a token are replaced with '_'.
func Subject(prefix, topic string) string {
	parts := []string{}
	if prefix != "" {
		parts = append(parts, prefix)
	}
	for _, seg := range strings.Split(topic, "/") {
		if seg == "" {
			continue
		}
		parts = append(parts, tokenReplacer.Replace(seg))
	}
	return strings.Join(parts, ".")
}

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// Publish sends one command. Failures wrap domain.ErrTransportUnavailable.
func (b *Bus) Publish(ctx context.Context, msg dispatch.Outbound) error {
	subject := Subject(b.prefix, msg.Topic)

	if b.js != nil {
		m := &nats.Msg{
			Subject: subject,
			Data:    msg.Payload,
			Header:  make(nats.Header),
		}
		m.Header.Set(nats.MsgIdHdr, msg.TaskID)
		if _, err := b.js.PublishMsg(ctx, m); err != nil {
			return fmt.Errorf("%w: jetstream publish %s: %w", domain.ErrTransportUnavailable, subject, err)
		}
		return nil
	}

	if err := b.nc.Publish(subject, msg.Payload); err != nil {
		return fmt.Errorf("%w: nats publish %s: %w", domain.ErrTransportUnavailable, subject, err)
	}
	return nil
}

// SubscribeAcks calls handle for every message on the ack subject until ctx
// ends.
func (b *Bus) SubscribeAcks(ctx context.Context, handle func(ctx context.Context, payload []byte) error) error {
	sub, err := b.nc.Subscribe(b.ackSubject, func(msg *nats.Msg) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("subject", msg.Subject).Interface("panic", r).Msg("nats ack handler panic recovered")
			}
		}()
		if err := handle(ctx, msg.Data); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("nats ack handler returned error")
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", b.ackSubject, err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return nil
}

func (b *Bus) Close() error {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
	return nil
}
