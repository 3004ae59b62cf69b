package module

import (
	"context"
	"log/slog"
	"time"

	"github.com/pvorotnikov/open-iot-sub001/message"
)

// Module is a pluggable processing unit hosted by the Registry.
//
// Every method must be safe to call on a module that was never prepared.
// The Registry only calls lifecycle hooks for legal transitions, but a module
// must not corrupt itself when invoked out of order.
type Module interface {
	Prepare(ctx context.Context) error
	Load(ctx context.Context) error
	Capabilities() Capabilities
	Start(ctx context.Context) error
	Suspend(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	Unload(ctx context.Context) error
	Cleanup(ctx context.Context) error
	Process(ctx context.Context, msg *message.Message, pctx PipelineContext) (Outcome, error)
}

// Capabilities is the informational feature set a module declares
type Capabilities struct {
	Name        string        `json:"name"`
	Version     string        `json:"version"`
	Description string        `json:"description,omitempty"`
	Reentrant   bool          `json:"reentrant"`
	Features    []string      `json:"features,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// Outcome tells the router how to continue after a module returns
type Outcome int

const (
	// OutcomeContinue passes the message to the next module
	OutcomeContinue Outcome = iota
	// OutcomeDrop ends the pipeline walk without republishing
	OutcomeDrop
)

// String returns the outcome name
func (o Outcome) String() string {
	switch o {
	case OutcomeContinue:
		return "continue"
	case OutcomeDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// PipelineContext describes where in a pipeline walk a Process call happens
type PipelineContext struct {
	PipelineID string
	Position   int
	Total      int
	Strict     bool
	Logger     *slog.Logger
}

// Base provides no-op lifecycle hooks for embedding
type Base struct{}

// Prepare is a no-op
func (Base) Prepare(context.Context) error { return nil }

// Load is a no-op
func (Base) Load(context.Context) error { return nil }

// Start is a no-op
func (Base) Start(context.Context) error { return nil }

// Suspend is a no-op
func (Base) Suspend(context.Context) error { return nil }

// Resume is a no-op
func (Base) Resume(context.Context) error { return nil }

// Stop is a no-op
func (Base) Stop(context.Context) error { return nil }

// Unload is a no-op
func (Base) Unload(context.Context) error { return nil }

// Cleanup is a no-op
func (Base) Cleanup(context.Context) error { return nil }

// hook returns the module method backing op
func hook(m Module, op Op) func(context.Context) error {
	switch op {
	case OpPrepare:
		return m.Prepare
	case OpLoad:
		return m.Load
	case OpStart:
		return m.Start
	case OpSuspend:
		return m.Suspend
	case OpResume:
		return m.Resume
	case OpStop:
		return m.Stop
	case OpUnload:
		return m.Unload
	case OpCleanup:
		return m.Cleanup
	default:
		return nil
	}
}
