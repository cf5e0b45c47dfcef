// SPDX-License-Identifier: MIT

package generator

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/vidforge/vidforge/internal/types"
)

// Synthetic is an in-process stand-in for the model runtime. It produces a
// deterministic placeholder MP4 for the requested seed and checkpoints once
// per frame, which makes it suitable for tests and GPU-less deployments.
type Synthetic struct {
	// StepDelay simulates per-frame synthesis time.
	StepDelay time.Duration
}

// NewSynthetic returns a synthetic generator with a realistic frame delay.
func NewSynthetic() *Synthetic {
	return &Synthetic{StepDelay: 50 * time.Millisecond}
}

// ftyp box header marking the output as an MP4 container.
var mp4Header = []byte{
	0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p',
	'i', 's', 'o', 'm', 0x00, 0x00, 0x02, 0x00,
	'i', 's', 'o', 'm', 'm', 'p', '4', '1',
}

// Generate writes a placeholder video derived from the seed, reporting
// progress and honoring cancellation at every frame boundary.
func (g *Synthetic) Generate(ctx context.Context, req Request, sink ProgressSink) error {
	frames := req.Params.NumFrames
	if frames < 1 {
		return &Error{Kind: types.ErrorKindGenerator, Detail: fmt.Sprintf("invalid frame count %d", frames)}
	}

	var seed int64
	if req.Params.Seed != nil {
		seed = *req.Params.Seed
	}
	rng := rand.New(rand.NewSource(seed)) // #nosec G404 -- deterministic placeholder content, not crypto

	f, err := os.OpenFile(req.OutputPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	committed := false
	defer func() {
		_ = f.Close()
		if !committed {
			_ = os.Remove(req.OutputPath)
		}
	}()

	if _, err := f.Write(mp4Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	frame := make([]byte, 256)
	for i := 0; i < frames; i++ {
		// Checkpoint: observe cancellation before synthesizing the frame.
		if sink.Cancelled() {
			return ErrCancelled
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.StepDelay):
		}

		binary.BigEndian.PutUint32(frame[:4], uint32(i))
		rng.Read(frame[4:])
		if _, err := f.Write(frame); err != nil {
			return fmt.Errorf("write frame %d: %w", i, err)
		}

		sink.Report(float64(i+1) / float64(frames))
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync output: %w", err)
	}
	committed = true
	return nil
}
