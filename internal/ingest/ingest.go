// Streamwarden - Camera Relay Fleet Supervision and Reconciliation
// Copyright 2026 Streamwarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package ingest maintains the long-lived subscription to the controller's
// push-event channel and turns inbound records into normalized stream
// intents. Malformed records are dropped and logged, duplicates within the
// dedupe window are suppressed, and connection-state transitions are
// published as a side channel, never as intents.
package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/streamwarden/streamwarden/internal/bus"
	"github.com/streamwarden/streamwarden/internal/config"
	"github.com/streamwarden/streamwarden/internal/metrics"
	"github.com/streamwarden/streamwarden/internal/models"
)

// maxLineBytes bounds one SSE record; a camera declaration is tiny, so a
// larger line means a confused controller.
const maxLineBytes = 256 * 1024

// Publisher is the bus surface the ingestor emits on.
type Publisher interface {
	Publish(topic string, payload any) error
}

// Ingestor subscribes to the controller and publishes validated intents.
type Ingestor struct {
	cfg    config.ControllerConfig
	pub    Publisher
	client *http.Client
	dedupe *dedupeSet
	logger zerolog.Logger

	breaker *gobreaker.CircuitBreaker[*http.Response]
}

// New creates an ingestor.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func New(cfg config.ControllerConfig, pub Publisher, logger zerolog.Logger) *Ingestor {
	i := &Ingestor{
		cfg:    cfg,
		pub:    pub,
		client: &http.Client{}, // no overall timeout: the stream is long-lived
		dedupe: newDedupeSet(cfg.DedupeWindow),
		logger: logger,
	}

	i.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:     "controller-dial",
		Interval: time.Minute,
		Timeout:  cfg.ReconnectMax,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Controller dial breaker state changed")
		},
	})

	return i
}

// Serve runs the subscribe/consume/reconnect loop until ctx is canceled.
// The reconnect backoff doubles with jitter between the configured bounds
// and resets only after a connection stays open past the stable grace
// period.
func (i *Ingestor) Serve(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = i.cfg.ReconnectMin
	bo.MaxInterval = i.cfg.ReconnectMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		body, err := i.dial(ctx)
		if err != nil {
			i.logger.Warn().Err(err).Str("url", i.cfg.URL).Msg("Controller connect failed")
			i.publishState(bus.StateReconnecting)
			if err := sleepCtx(ctx, bo.NextBackOff()); err != nil {
				return err
			}
			continue
		}

		metrics.ControllerConnects.Inc()
		i.logger.Info().Str("url", i.cfg.URL).Msg("Controller connected")
		i.publishState(bus.StateConnected)

		connectedAt := time.Now()
		consumeErr := i.consume(ctx, body)
		_ = body.Close()
		metrics.ControllerDisconnects.Inc()
		i.publishState(bus.StateDisconnected)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		i.logger.Warn().Err(consumeErr).Msg("Controller stream closed")

		if time.Since(connectedAt) >= i.cfg.StableGrace {
			bo.Reset()
		}
		i.publishState(bus.StateReconnecting)
		if err := sleepCtx(ctx, bo.NextBackOff()); err != nil {
			return err
		}
	}
}

// dial opens the event stream through the circuit breaker; repeated hard
// failures short-circuit the dial instead of hammering a down controller.
func (i *Ingestor) dial(ctx context.Context) (io.ReadCloser, error) {
	resp, err := i.breaker.Execute(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.cfg.URL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")

		resp, err := i.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("controller returned %s", resp.Status)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// consume reads "data: <json>" records until the stream ends.
func (i *Ingestor) consume(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue // keepalive or comment
		}
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue // id:/event: fields are not used by the controller
		}
		i.handleRecord(payload)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

// handleRecord validates, deduplicates and publishes one inbound record.
func (i *Ingestor) handleRecord(payload string) {
	var event models.ControllerEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		metrics.EventsReceived.WithLabelValues("malformed").Inc()
		i.logger.Warn().Err(err).Str("payload", truncate(payload, 200)).Msg("Dropping unparsable event")
		return
	}
	if err := event.Validate(); err != nil {
		metrics.EventsReceived.WithLabelValues("malformed").Inc()
		i.logger.Warn().Err(err).Msg("Dropping invalid event")
		return
	}

	intents := event.Intents(time.Now().UTC())
	if len(intents) == 0 {
		metrics.EventsReceived.WithLabelValues("ignored").Inc()
		i.logger.Debug().Str("event_type", string(event.EventType)).Msg("Non-actionable event")
		return
	}

	if !i.dedupe.add(event.DedupeHash()) {
		metrics.EventsReceived.WithLabelValues("duplicate").Inc()
		i.logger.Debug().
			Str("event_type", string(event.EventType)).
			Str("camera_url", event.CameraURL).
			Msg("Suppressing replayed event")
		return
	}

	metrics.EventsReceived.WithLabelValues("accepted").Inc()
	correlationID := uuid.New().String()
	for _, intent := range intents {
		if err := i.pub.Publish(bus.TopicIntent, bus.IntentReceived{
			Intent:        intent,
			CorrelationID: correlationID,
		}); err != nil {
			i.logger.Error().Err(err).Str("stream_id", intent.StreamID).Msg("Failed to publish intent")
		}
	}
}

func (i *Ingestor) publishState(state bus.ConnectionState) {
	if err := i.pub.Publish(bus.TopicConnection, bus.ConnectionStateChanged{
		State: state,
		At:    time.Now().UTC(),
	}); err != nil {
		i.logger.Error().Err(err).Msg("Failed to publish connection state")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
