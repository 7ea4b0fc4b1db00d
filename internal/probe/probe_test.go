// Streamwarden - Camera Relay Fleet Supervision and Reconciliation
// Copyright 2026 Streamwarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package probe

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/streamwarden/streamwarden/internal/logging"
)

// fakeProbe writes a shell script that stands in for ffprobe.
func fakeProbe(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffprobe")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProbeDetectsAudio(t *testing.T) {
	p := New(fakeProbe(t, `echo audio`), 2*time.Second, 1, logging.NewTestLogger(io.Discard))

	hasAudio, err := p.Probe(context.Background(), "rtsp://cam/1")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !hasAudio {
		t.Error("audio stream not detected")
	}
}

func TestProbeNoAudio(t *testing.T) {
	p := New(fakeProbe(t, `exit 0`), 2*time.Second, 1, logging.NewTestLogger(io.Discard))

	hasAudio, err := p.Probe(context.Background(), "rtsp://cam/1")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if hasAudio {
		t.Error("silent source reported as having audio")
	}
}

func TestProbeFailureDefaultsToNoAudio(t *testing.T) {
	p := New(fakeProbe(t, `echo "connection refused" >&2; exit 1`), 2*time.Second, 1, logging.NewTestLogger(io.Discard))

	hasAudio, err := p.Probe(context.Background(), "rtsp://cam/unreachable")
	if err == nil {
		t.Fatal("expected an error for a failing probe")
	}
	if hasAudio {
		t.Error("uncertain result must report no audio")
	}
}

func TestProbeRetriesUntilSuccess(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "tried")
	// Fails once, succeeds on the second attempt.
	script := `if [ -e ` + marker + ` ]; then echo audio; else touch ` + marker + `; exit 1; fi`
	path := filepath.Join(dir, "ffprobe")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	p := New(path, 2*time.Second, 3, logging.NewTestLogger(io.Discard))

	hasAudio, err := p.Probe(context.Background(), "rtsp://cam/flaky")
	if err != nil {
		t.Fatalf("Probe should recover on retry: %v", err)
	}
	if !hasAudio {
		t.Error("recovered probe lost the audio result")
	}
}

func TestProbeTimeout(t *testing.T) {
	p := New(fakeProbe(t, `sleep 10`), 100*time.Millisecond, 1, logging.NewTestLogger(io.Discard))

	start := time.Now()
	hasAudio, err := p.Probe(context.Background(), "rtsp://cam/hung")
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if hasAudio {
		t.Error("timed-out probe must report no audio")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("probe not bounded: took %s", elapsed)
	}
}
