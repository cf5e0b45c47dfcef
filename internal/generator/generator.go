// SPDX-License-Identifier: MIT

// Package generator is the boundary to the video synthesis model. The
// orchestrator treats the model as opaque: given parameters and a GPU index
// it produces a media file and emits progress fractions through a sink.
package generator

import (
	"context"
	"errors"
	"strings"

	"github.com/vidforge/vidforge/internal/job"
	"github.com/vidforge/vidforge/internal/types"
)

// ErrCancelled is returned when the sink reported a cancellation request
// and the generator stopped cooperatively.
var ErrCancelled = errors.New("generation cancelled")

// Request carries everything a generator needs for one run.
type Request struct {
	JobID  string
	Params job.Params

	// Device is the GPU index allocated to this run.
	Device int

	// OutputPath is where the generator must write the finished video.
	// The executor publishes it to the artifact store afterwards.
	OutputPath string

	// ModelCacheDir is passed through to the model runtime.
	ModelCacheDir string
}

// ProgressSink receives checkpoint callbacks from a running generation.
// Report delivers a completion fraction in [0,1]; Cancelled is polled at
// the generator's own suspension points.
type ProgressSink interface {
	Report(fraction float64)
	Cancelled() bool
}

// Generator runs one generation to completion, cancellation or error.
type Generator interface {
	Generate(ctx context.Context, req Request, sink ProgressSink) error
}

// Error is a classified generation failure.
type Error struct {
	Kind   types.ErrorKind
	Detail string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Detail
}

// Classify maps a generation failure to its error kind. Context expiry is
// a timeout; anything mentioning memory exhaustion is an OOM (retried
// once); the rest is a deterministic generator fault.
func Classify(err error) types.ErrorKind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.ErrorKindTimeout
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "out of memory") || strings.Contains(msg, "oom") {
		return types.ErrorKindOOM
	}
	return types.ErrorKindGenerator
}
