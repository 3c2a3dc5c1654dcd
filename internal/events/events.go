// Package events carries entitlement invalidations and operator commands
// over NATS.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Invalidation tells the bot that a subject's premium status changed.
type Invalidation struct {
	SubjectID string `json:"subject_id"`
}

// Invalidator drops cached state for a subject.
type Invalidator interface {
	Invalidate(subjectID string)
}

// Connect dials NATS and keeps reconnecting for the life of the process.
func Connect(url string, log zerolog.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("tts-bot"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log.Info().Str("url", conn.ConnectedUrl()).Msg("connected to NATS")
	return conn, nil
}

// Subscriber forwards invalidation events to an Invalidator.
type Subscriber struct {
	sub *nats.Subscription
	log zerolog.Logger
}

func Subscribe(conn *nats.Conn, subject string, target Invalidator, log zerolog.Logger) (*Subscriber, error) {
	if conn == nil {
		return nil, errors.New("nil nats connection")
	}
	log = log.With().Str("component", "events").Str("subject", subject).Logger()

	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev Invalidation
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Warn().Err(err).Msg("malformed invalidation event")
			return
		}
		if ev.SubjectID == "" {
			log.Warn().Msg("invalidation event without subject_id")
			return
		}
		target.Invalidate(ev.SubjectID)
		log.Debug().Str("subject_id", ev.SubjectID).Msg("entitlement invalidated")
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return &Subscriber{sub: sub, log: log}, nil
}

func (s *Subscriber) Close() error {
	if s == nil || s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

// Publish sends an invalidation event for subjectID.
func Publish(conn *nats.Conn, subject, subjectID string) error {
	data, err := json.Marshal(Invalidation{SubjectID: subjectID})
	if err != nil {
		return err
	}
	return conn.Publish(subject, data)
}
