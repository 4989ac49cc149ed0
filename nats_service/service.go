// Package nats_service forwards devserver room updates to NATS. Every update
// lands on <prefix>.entities.<app>.<scope>[.<id>], where SDK clients using
// the NATS transport receive it, and is retained by a JetStream stream.
package nats_service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/base44/go-sdk/config"
	"github.com/base44/go-sdk/logger"
	"github.com/base44/go-sdk/models"
)

// originHeader carries the id of the publishing devserver instance.
const originHeader = "Base44-Origin"

type NatsService struct {
	js     jetstream.JetStream
	nc     *nats.Conn
	prefix string
	stream string
	origin string
	log    *logger.Logger
}

// NewNatsService connects to NATS and makes sure the update stream exists.
func NewNatsService(cfg config.Config, log *logger.Logger) (*NatsService, error) {
	log = logger.OrNop(log).Component("nats")

	nc, err := nats.Connect(cfg.NatsURL, nats.Name("base44-devserver"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := js.Stream(ctx, cfg.StreamName)
	if err != nil {
		log.Info().Str("stream", cfg.StreamName).Msg("Stream not found, attempting to create")
		streamCfg := jetstream.StreamConfig{
			Name:        cfg.StreamName,
			Description: "Room updates published by the devserver",
			Subjects:    []string{cfg.SubjectPrefix + ".>"},
			MaxAge:      24 * time.Hour,
			Storage:     jetstream.MemoryStorage,
		}
		stream, err = js.CreateStream(ctx, streamCfg)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create stream '%s': %w", cfg.StreamName, err)
		}
		log.Info().Str("stream", cfg.StreamName).Msg("Stream created")
	} else {
		log.Info().Str("stream", stream.CachedInfo().Config.Name).Msg("Found existing stream")
	}

	return &NatsService{
		js:     js,
		nc:     nc,
		prefix: cfg.SubjectPrefix,
		stream: cfg.StreamName,
		origin: uuid.NewString(),
		log:    log,
	}, nil
}

func (s *NatsService) Close() {
	if s.nc != nil {
		s.nc.Close()
	}
}

// PublishUpdate publishes ev, encoded as the update_model payload, to the
// room's subject.
func (s *NatsService) PublishUpdate(ctx context.Context, ev models.UpdateEvent) error {
	subject := models.RoomSubject(s.prefix, ev.Room)
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal update: %w", err)
	}

	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	msg.Header.Set(originHeader, s.origin)
	if _, err := s.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish update to subject '%s': %w", subject, err)
	}
	s.log.Debug().Str("subject", subject).Msg("Published room update")
	return nil
}

// SubscribeUpdates calls handler for every update published by other
// devserver instances sharing the stream. Updates this instance published
// itself are skipped.
func (s *NatsService) SubscribeUpdates(ctx context.Context, handler func(models.UpdateEvent)) (jetstream.ConsumeContext, error) {
	subject := s.prefix + ".entities.>"
	cons, err := s.js.CreateOrUpdateConsumer(ctx, s.stream, jetstream.ConsumerConfig{
		FilterSubject: subject,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckNonePolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for subject '%s': %w", subject, err)
	}

	s.log.Info().Str("subject", subject).Msg("Subscribing to peer updates")

	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		if msg.Headers().Get(originHeader) == s.origin {
			return
		}
		var ev models.UpdateEvent
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			s.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("Skipping undecodable update")
			return
		}
		handler(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming from subject '%s': %w", subject, err)
	}
	return consumeCtx, nil
}
