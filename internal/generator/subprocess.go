// SPDX-License-Identifier: MIT

package generator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/vidforge/vidforge/internal/job"
	"github.com/vidforge/vidforge/internal/types"
)

// Subprocess drives the model runtime as a child process speaking a
// line-delimited JSON protocol: one request line on stdin, streaming
// progress lines on stdout, one final result line.
type Subprocess struct {
	// Argv is the generator command and its fixed arguments.
	Argv []string

	// CancelGrace bounds how long the child gets to exit cleanly after a
	// cancellation before it is killed.
	CancelGrace time.Duration

	logger zerolog.Logger
}

// NewSubprocess builds a subprocess generator from a whitespace-separated
// command string.
func NewSubprocess(cmd string, cancelGrace time.Duration, logger zerolog.Logger) (*Subprocess, error) {
	argv := strings.Fields(cmd)
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty generator command")
	}
	return &Subprocess{Argv: argv, CancelGrace: cancelGrace, logger: logger}, nil
}

// request is the single stdin line handed to the child.
type request struct {
	JobID         string     `json:"job_id"`
	Params        job.Params `json:"params"`
	Device        int        `json:"device"`
	OutputPath    string     `json:"output_path"`
	ModelCacheDir string     `json:"model_cache_dir"`
}

// event is one stdout line from the child. Progress lines carry only the
// fraction; the final line carries ok plus path or kind/detail.
type event struct {
	Progress *float64 `json:"progress,omitempty"`
	OK       *bool    `json:"ok,omitempty"`
	Path     string   `json:"path,omitempty"`
	Kind     string   `json:"kind,omitempty"`
	Detail   string   `json:"detail,omitempty"`
}

// Generate runs one child process per invocation. Cancellation is
// cooperative: after each progress line the sink is polled, and a
// cancelled run gets SIGTERM plus a bounded grace before SIGKILL.
func (s *Subprocess) Generate(ctx context.Context, req Request, sink ProgressSink) error {
	cmd := exec.CommandContext(ctx, s.Argv[0], s.Argv[1:]...) // #nosec G204 -- argv comes from operator config
	cmd.Cancel = func() error {
		// Prefer a clean shutdown when the context expires.
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = s.CancelGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("generator stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("generator stdout: %w", err)
	}
	cmd.Stderr = nil // the child logs to its own sink

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start generator: %w", err)
	}

	enc := json.NewEncoder(stdin)
	if err := enc.Encode(request{
		JobID:         req.JobID,
		Params:        req.Params,
		Device:        req.Device,
		OutputPath:    req.OutputPath,
		ModelCacheDir: req.ModelCacheDir,
	}); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return fmt.Errorf("write generator request: %w", err)
	}
	_ = stdin.Close()

	var final *event
	cancelled := false

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var ev event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			s.logger.Warn().Str("job_id", req.JobID).Str("line", line).
				Msg("unparseable generator output line")
			continue
		}

		switch {
		case ev.OK != nil:
			final = &ev
		case ev.Progress != nil:
			sink.Report(*ev.Progress)
			if !cancelled && sink.Cancelled() {
				cancelled = true
				// The child may still finalize; SIGTERM asks it to
				// stop at its next checkpoint.
				_ = cmd.Process.Signal(syscall.SIGTERM)
			}
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	if final != nil && *final.OK {
		// A finalized artifact beats a late cancellation.
		return nil
	}
	if cancelled {
		return ErrCancelled
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if final != nil {
		kind := types.ErrorKind(final.Kind)
		switch kind {
		case types.ErrorKindOOM, types.ErrorKindGenerator, types.ErrorKindTimeout:
		default:
			kind = types.ErrorKindGenerator
		}
		return &Error{Kind: kind, Detail: final.Detail}
	}
	if scanErr != nil {
		return fmt.Errorf("read generator output: %w", scanErr)
	}
	if waitErr != nil {
		return fmt.Errorf("generator exited: %w", waitErr)
	}
	return fmt.Errorf("generator exited without a result line")
}
