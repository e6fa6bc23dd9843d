// Package core defines the core business types and interfaces for the pipeline service.
package core

import (
	"context"
	"time"
)

// ObjectStore defines the interface for interacting with a key-value blob store.
// It backs the inbound text bucket used by the NATS worker.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}

// UploadResult describes an object written to the artifact store.
type UploadResult struct {
	Key  string
	ETag string
}

// PresignResult is a time-limited GET URL for a stored object.
type PresignResult struct {
	Key string
	URL string
	TTL time.Duration
}

// ArtifactStore uploads pipeline results and issues presigned URLs for them.
type ArtifactStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (UploadResult, error)
	Presign(ctx context.Context, key string, ttl time.Duration) (PresignResult, error)
}

// Synthesizer turns a segment into WAV audio on the external TTS engine.
type Synthesizer interface {
	SynthesizeAll(ctx context.Context, segments []Segment, cfg EngineConfig) ([]SynthesizedSegment, error)
}

// Aligner produces character timestamps for a segment's audio.
type Aligner interface {
	Align(ctx context.Context, audio []byte, text string, lang Language) ([]CharTimestamp, error)
}

// Segmenter splits raw text into language runs.
type Segmenter interface {
	Segment(text string) []Segment
}

// JobLock guards a job id against concurrent runs.
type JobLock interface {
	Acquire(ctx context.Context, jobID string) (release func(), err error)
}
