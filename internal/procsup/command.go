// Streamwarden - Camera Relay Fleet Supervision and Reconciliation
// Copyright 2026 Streamwarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package procsup

import "strings"

// CommandBuilder turns a stream's endpoints into a worker argv. The
// supervisor never inspects codec-level flags; the builder is the only
// place that knows what the worker binary expects.
type CommandBuilder interface {
	// BuildCommand returns the full argv, argv[0] included.
	BuildCommand(sourceURL, destinationURL string, hasAudio bool, extraArgs []string) []string
}

// FFmpegBuilder builds an ffmpeg relay invocation: copy the video track,
// transcode or synthesize audio, push FLV to the destination. When the
// source has no audio track a silent stereo track is injected so
// destinations that require audio keep accepting the stream.
type FFmpegBuilder struct {
	// Binary is the ffmpeg executable path.
	Binary string
}

// BuildCommand implements CommandBuilder.
func (b *FFmpegBuilder) BuildCommand(sourceURL, destinationURL string, hasAudio bool, extraArgs []string) []string {
	argv := []string{
		b.Binary,
		"-hide_banner",
		"-loglevel", "error",
	}
	if strings.HasPrefix(sourceURL, "rtsp://") || strings.HasPrefix(sourceURL, "rtsps://") {
		argv = append(argv, "-rtsp_transport", "tcp")
	}
	argv = append(argv, "-i", sourceURL)

	if hasAudio {
		argv = append(argv, "-c:a", "aac", "-b:a", "128k")
	} else {
		argv = append(argv,
			"-f", "lavfi",
			"-i", "anullsrc=channel_layout=stereo:sample_rate=44100",
			"-c:a", "aac",
			"-shortest",
		)
	}

	argv = append(argv, "-c:v", "copy")
	argv = append(argv, extraArgs...)
	argv = append(argv, "-f", "flv", destinationURL)
	return argv
}

// DestinationURL joins the configured RTMP base with the controller's
// stream key.
func DestinationURL(base, streamKey string) string {
	return strings.TrimRight(base, "/") + "/" + streamKey
}
