// Streamwarden - Camera Relay Fleet Supervision and Reconciliation
// Copyright 2026 Streamwarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package probe inspects a source feed for an audio track before a worker
// start. The probe is bounded and best-effort: on timeout or probe failure
// it reports no-audio with the error attached, and the start proceeds with
// silent-audio injection. Absence of audio information never blocks a
// start.
package probe

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/streamwarden/streamwarden/internal/metrics"
)

// Prober decides whether a source feed carries audio.
type Prober interface {
	// Probe returns whether the source has an audio track. A non-nil error
	// marks the result as uncertain; the boolean is then always false.
	Probe(ctx context.Context, sourceURL string) (bool, error)
}

// FFProbe runs ffprobe against the source and looks for an audio stream.
// Its retry loop is internal and distinct from the supervisor's
// crash-retry policy.
type FFProbe struct {
	// Binary is the ffprobe executable path.
	Binary string

	// Timeout bounds a single probe attempt.
	Timeout time.Duration

	// Attempts is the total number of tries, capped exponential backoff
	// between them.
	Attempts int

	logger zerolog.Logger
}

// New creates an ffprobe-backed prober.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func New(binary string, timeout time.Duration, attempts int, logger zerolog.Logger) *FFProbe {
	if attempts < 1 {
		attempts = 1
	}
	return &FFProbe{Binary: binary, Timeout: timeout, Attempts: attempts, logger: logger}
}

// Probe implements Prober.
func (p *FFProbe) Probe(ctx context.Context, sourceURL string) (bool, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 4 * time.Second
	bo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	hasAudio, err := backoff.RetryWithData(
		func() (bool, error) { return p.runOnce(ctx, sourceURL) },
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.Attempts-1)), ctx),
	)
	if err != nil {
		metrics.ProbeResults.WithLabelValues("error").Inc()
		p.logger.Warn().Err(err).Str("source", sourceURL).Msg("Audio probe failed, assuming no audio")
		return false, fmt.Errorf("audio probe %s: %w", sourceURL, err)
	}

	if hasAudio {
		metrics.ProbeResults.WithLabelValues("audio").Inc()
	} else {
		metrics.ProbeResults.WithLabelValues("no_audio").Inc()
	}
	return hasAudio, nil
}

func (p *FFProbe) runOnce(parent context.Context, sourceURL string) (bool, error) {
	ctx, cancel := context.WithTimeout(parent, p.Timeout)
	defer cancel()

	//nolint:gosec // binary and URL come from validated configuration
	cmd := exec.CommandContext(ctx, p.Binary,
		"-v", "error",
		"-select_streams", "a",
		"-show_entries", "stream=codec_type",
		"-of", "csv=p=0",
		sourceURL,
	)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return false, fmt.Errorf("probe timed out after %s", p.Timeout)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return false, fmt.Errorf("probe process: %s", msg)
	}

	return strings.Contains(out.String(), "audio"), nil
}
