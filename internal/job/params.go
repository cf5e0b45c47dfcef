// SPDX-License-Identifier: MIT

// Package job defines the generation job record and its request parameters.
package job

import (
	"fmt"
	"math/rand"
	"strings"
	"unicode/utf8"
)

// Parameter bounds for generation requests. The frame and resolution limits
// mirror what the model pipeline accepts.
const (
	MaxPromptLength = 2000

	MinFrames = 1
	MaxFrames = 163

	MinInferenceSteps = 10
	MaxInferenceSteps = 100

	MinGuidanceScale = 1.0
	MaxGuidanceScale = 20.0

	MinFPS = 1
	MaxFPS = 60

	MinDimension      = 256
	MaxDimension      = 1024
	DimensionMultiple = 64

	MinPriority = -10
	MaxPriority = 10
)

// Default parameter values applied on submission.
const (
	DefaultFrames         = 84
	DefaultInferenceSteps = 50
	DefaultGuidanceScale  = 7.5
	DefaultFPS            = 30
	DefaultWidth          = 848
	DefaultHeight         = 480
)

// Request is the submission payload. Optional fields are pointers so an
// omitted field and an explicit zero are distinguishable: omitted fields
// take their defaults, supplied fields are validated as written.
type Request struct {
	Prompt            string   `json:"prompt"`
	NegativePrompt    string   `json:"negative_prompt,omitempty"`
	NumFrames         *int     `json:"num_frames,omitempty"`
	NumInferenceSteps *int     `json:"num_inference_steps,omitempty"`
	GuidanceScale     *float64 `json:"guidance_scale,omitempty"`
	FPS               *int     `json:"fps,omitempty"`
	Width             *int     `json:"width,omitempty"`
	Height            *int     `json:"height,omitempty"`
	Seed              *int64   `json:"seed,omitempty"`
	Priority          *int     `json:"priority,omitempty"`
}

// Resolve validates every supplied field and fills the omitted ones with
// their defaults. It returns a *ValidationError listing all violations at
// once, or the resolved immutable parameters.
//
// Only supplied dimensions are held to the multiple-of-64 rule; the default
// resolution is what the pipeline ships with and is always acceptable.
func (r *Request) Resolve() (Params, error) {
	var v []string

	if r.Prompt == "" {
		v = append(v, "prompt must not be empty")
	} else if utf8.RuneCountInString(r.Prompt) > MaxPromptLength {
		v = append(v, fmt.Sprintf("prompt exceeds %d characters", MaxPromptLength))
	}
	if utf8.RuneCountInString(r.NegativePrompt) > MaxPromptLength {
		v = append(v, fmt.Sprintf("negative_prompt exceeds %d characters", MaxPromptLength))
	}

	p := Params{Prompt: r.Prompt, NegativePrompt: r.NegativePrompt}
	if r.NumFrames != nil {
		p.NumFrames = *r.NumFrames
		if p.NumFrames < MinFrames || p.NumFrames > MaxFrames {
			v = append(v, fmt.Sprintf("num_frames must be in [%d,%d], got %d", MinFrames, MaxFrames, p.NumFrames))
		}
	}
	if r.NumInferenceSteps != nil {
		p.NumInferenceSteps = *r.NumInferenceSteps
		if p.NumInferenceSteps < MinInferenceSteps || p.NumInferenceSteps > MaxInferenceSteps {
			v = append(v, fmt.Sprintf("num_inference_steps must be in [%d,%d], got %d",
				MinInferenceSteps, MaxInferenceSteps, p.NumInferenceSteps))
		}
	}
	if r.GuidanceScale != nil {
		p.GuidanceScale = *r.GuidanceScale
		if p.GuidanceScale < MinGuidanceScale || p.GuidanceScale > MaxGuidanceScale {
			v = append(v, fmt.Sprintf("guidance_scale must be in [%.1f,%.1f], got %g",
				MinGuidanceScale, MaxGuidanceScale, p.GuidanceScale))
		}
	}
	if r.FPS != nil {
		p.FPS = *r.FPS
		if p.FPS < MinFPS || p.FPS > MaxFPS {
			v = append(v, fmt.Sprintf("fps must be in [%d,%d], got %d", MinFPS, MaxFPS, p.FPS))
		}
	}
	if r.Width != nil {
		p.Width = *r.Width
		v = appendDimensionViolations(v, "width", p.Width)
	}
	if r.Height != nil {
		p.Height = *r.Height
		v = appendDimensionViolations(v, "height", p.Height)
	}
	if r.Priority != nil {
		p.Priority = *r.Priority
		if p.Priority < MinPriority || p.Priority > MaxPriority {
			v = append(v, fmt.Sprintf("priority must be in [%d,%d], got %d", MinPriority, MaxPriority, p.Priority))
		}
	}
	if r.Seed != nil {
		s := *r.Seed
		p.Seed = &s
	}

	if len(v) > 0 {
		return Params{}, &ValidationError{Violations: v}
	}
	p.ApplyDefaults()
	return p, nil
}

func appendDimensionViolations(v []string, name string, value int) []string {
	if value < MinDimension || value > MaxDimension {
		v = append(v, fmt.Sprintf("%s must be in [%d,%d], got %d", name, MinDimension, MaxDimension, value))
	}
	if value%DimensionMultiple != 0 {
		v = append(v, fmt.Sprintf("%s must be a multiple of %d, got %d", name, DimensionMultiple, value))
	}
	return v
}

// Params are the resolved generation parameters of a job. They are immutable
// after submission; the executor reads them exactly once.
type Params struct {
	Prompt            string  `json:"prompt"`
	NegativePrompt    string  `json:"negative_prompt,omitempty"`
	NumFrames         int     `json:"num_frames"`
	NumInferenceSteps int     `json:"num_inference_steps"`
	GuidanceScale     float64 `json:"guidance_scale"`
	FPS               int     `json:"fps"`
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	Seed              *int64  `json:"seed,omitempty"`
	Priority          int     `json:"priority"`
}

// ApplyDefaults fills unset fields with their defaults and fixes a random
// seed if none was supplied, so every run is reproducible from its record.
// Resolve rejects out-of-range explicit values before this runs, so a zero
// here can only mean the field was never set.
func (p *Params) ApplyDefaults() {
	if p.NumFrames == 0 {
		p.NumFrames = DefaultFrames
	}
	if p.NumInferenceSteps == 0 {
		p.NumInferenceSteps = DefaultInferenceSteps
	}
	if p.GuidanceScale == 0 {
		p.GuidanceScale = DefaultGuidanceScale
	}
	if p.FPS == 0 {
		p.FPS = DefaultFPS
	}
	if p.Width == 0 {
		p.Width = DefaultWidth
	}
	if p.Height == 0 {
		p.Height = DefaultHeight
	}
	if p.Seed == nil {
		seed := rand.Int63()
		p.Seed = &seed
	}
}

// ValidationError aggregates every constraint violation of a request so the
// caller sees all problems at once instead of fixing them one by one.
type ValidationError struct {
	Violations []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return "invalid parameters: " + strings.Join(e.Violations, "; ")
}

// EstimateDuration returns a crude, best-effort completion estimate derived
// from the work size. It exists only to populate the submission response
// hint and makes no scheduling promises.
func (p *Params) EstimateDuration() int {
	// Roughly one second of denoising per step, scaled by frame count
	// relative to the default clip length.
	est := p.NumInferenceSteps * p.NumFrames / DefaultFrames
	if est < 1 {
		est = 1
	}
	return est
}
