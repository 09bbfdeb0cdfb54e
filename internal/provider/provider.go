package provider

import (
	"context"
	"time"
)

// Provider is one redundant backend capable of answering a prompt. The
// concrete invocation is opaque to this package: implementations wrap an
// HTTP API, a subprocess, or a simulation, and surface failures as errors.
type Provider interface {
	// ID returns the stable identifier used for stats, ranking, and results.
	ID() string

	// Invoke sends one prompt and blocks until a result or error. The
	// context carries the attempt deadline; implementations must honor it.
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// Request is the unit of work handed to a provider.
type Request struct {
	Prompt   string
	TaskType string // Task type name, for providers that specialize
}

// Result is a provider's raw answer. Latency is measured by the caller
// around Invoke, not reported here.
type Result struct {
	Content    string
	Confidence float64 // Self-reported, in [0,1]
	Cost       float64
	Tokens     int
}

// Response records one provider's outcome within a fan-out round. It lives
// only for that round: appended in completion order, read by consensus,
// then discarded or archived by the caller.
type Response struct {
	Provider   string
	Content    string
	Success    bool
	Confidence float64
	Latency    time.Duration
	Cost       float64
	Tokens     int
	Err        string // Failure reason when Success is false
	Primary    bool   // Marks the logically first response for fallback selection
}
