// Streamwarden - Camera Relay Fleet Supervision and Reconciliation
// Copyright 2026 Streamwarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package bus is the in-process message bus connecting the ingestor, the
// process supervisor, the health monitor and the reconciler.
//
// Components never mutate shared state directly; they publish tagged
// messages and the reconciler, as sole owner of stream records, reacts to
// them. The transport is watermill's gochannel Pub/Sub, so every message is
// a JSON envelope with a UUID and a topic.
package bus

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Topics carried by the bus. One topic per message type.
const (
	TopicIntent        = "intent.received"
	TopicConnection    = "connection.state"
	TopicProcessExited = "process.exited"
	TopicProcessDead   = "process.dead"
	TopicRestartDue    = "process.restart_due"
	TopicResourceAlert = "resource.alert"
	TopicReconcile     = "reconcile.requested"
)

// Bus wraps a gochannel Pub/Sub with JSON envelope encoding.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger zerolog.Logger
}

// New creates an in-process bus. Subscribers receive messages published
// after they subscribe; the buffer absorbs bursts from the SSE channel.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func New(logger zerolog.Logger) *Bus {
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 256},
		&watermillLogger{logger: logger},
	)
	return &Bus{pubsub: pubsub, logger: logger}
}

// Publish marshals the payload and publishes it on the topic. Each message
// gets a fresh UUID so duplicate payloads remain distinguishable in logs.
func (b *Bus) Publish(topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	msg := message.NewMessage(uuid.New().String(), data)
	if err := b.pubsub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe returns a channel of raw messages for the topic. The
// subscription is closed when ctx is canceled.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return ch, nil
}

// Close shuts the bus down; pending messages are dropped.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// Decode unmarshals a message payload into T and acks the message.
// Malformed payloads are acked too: the bus is in-process, so a payload
// that cannot decode is a programming error worth logging, never retrying.
func Decode[T any](msg *message.Message) (T, error) {
	var payload T
	err := json.Unmarshal(msg.Payload, &payload)
	msg.Ack()
	if err != nil {
		return payload, fmt.Errorf("decode message %s: %w", msg.UUID, err)
	}
	return payload, nil
}

// watermillLogger bridges watermill's logging to zerolog.
type watermillLogger struct {
	logger zerolog.Logger
	fields watermill.LogFields
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.event(l.logger.Error().Err(err), fields).Msg(msg)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.event(l.logger.Debug(), fields).Msg(msg)
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.event(l.logger.Debug(), fields).Msg(msg)
}

func (l *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.event(l.logger.Trace(), fields).Msg(msg)
}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{logger: l.logger, fields: l.fields.Add(fields)}
}

func (l *watermillLogger) event(e *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	for k, v := range l.fields {
		e = e.Interface(k, v)
	}
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	return e
}
