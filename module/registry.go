package module

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pvorotnikov/open-iot-sub001/errors"
	"github.com/pvorotnikov/open-iot-sub001/message"
	"github.com/pvorotnikov/open-iot-sub001/metric"
)

// Status is the externally visible record of a registered module
type Status struct {
	ID           string       `json:"id"`
	State        State        `json:"state"`
	Capabilities Capabilities `json:"capabilities"`
	LastError    string       `json:"last_error,omitempty"`
	ChangedAt    time.Time    `json:"changed_at"`
	Processed    int64        `json:"processed"`
	Failed       int64        `json:"failed"`
}

type entry struct {
	id     string
	module Module
	order  int

	// transitionMu serializes lifecycle hooks. processing is a one-slot
	// semaphore serializing Process for non-reentrant modules; unlike a
	// mutex, waiting on it ends with the caller's context. stateMu only
	// guards the fields below.
	transitionMu sync.Mutex
	processing   chan struct{}

	stateMu   sync.RWMutex
	state     State
	lastErr   error
	changedAt time.Time

	processed atomic.Int64
	failed    atomic.Int64
}

func (e *entry) current() State {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

func (e *entry) set(state State, err error) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.state = state
	e.lastErr = err
	e.changedAt = time.Now()
}

func (e *entry) fail(err error) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.lastErr = err
}

func (e *entry) status() Status {
	e.stateMu.RLock()
	st := Status{
		ID:        e.id,
		State:     e.state,
		ChangedAt: e.changedAt,
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	e.stateMu.RUnlock()

	st.Capabilities = e.module.Capabilities()
	st.Processed = e.processed.Load()
	st.Failed = e.failed.Load()
	return st
}

// Registry owns every installed module and its lifecycle state
type Registry struct {
	entries map[string]*entry
	seq     int
	mu      sync.RWMutex

	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewRegistry creates an empty registry. metrics may be nil.
func NewRegistry(logger *slog.Logger, metrics *metric.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger.With("component", "module-registry"),
		metrics: metrics,
	}
}

// Register installs a module under id in the unregistered state
func (r *Registry) Register(id string, m Module) error {
	if strings.TrimSpace(id) == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "module id validation")
	}
	if m == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "module validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		return errors.WrapInvalid(fmt.Errorf("%w: module %q", errors.ErrDuplicateID, id),
			"Registry", "Register", "duplicate module check")
	}

	r.seq++
	r.entries[id] = &entry{
		id:         id,
		module:     m,
		processing: make(chan struct{}, 1),
		order:      r.seq,
		state:      StateUnregistered,
		changedAt:  time.Now(),
	}
	r.recordState(id, StateUnregistered)
	r.logger.Info("Module registered", "module", id, "name", m.Capabilities().Name)
	return nil
}

// Unregister removes a module that is unregistered or unloaded
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: module %q", errors.ErrNotFound, id),
			"Registry", "Unregister", "module lookup")
	}

	e.transitionMu.Lock()
	defer e.transitionMu.Unlock()

	if s := e.current(); s != StateUnregistered && s != StateUnloaded {
		return errors.WrapInvalid(
			fmt.Errorf("%w: cannot unregister module %q in state %s", errors.ErrInvalidTransition, id, s),
			"Registry", "Unregister", "state check")
	}

	delete(r.entries, id)
	if r.metrics != nil {
		r.metrics.ModuleState.DeleteLabelValues(id)
	}
	r.logger.Info("Module unregistered", "module", id)
	return nil
}

// Has reports whether a module id is registered
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

func (r *Registry) lookup(method, id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: module %q", errors.ErrNotFound, id),
			"Registry", method, "module lookup")
	}
	return e, nil
}

// Transition applies a lifecycle operation to a module.
//
// Illegal transitions return ErrInvalidTransition without calling the hook.
// A failing hook leaves the state unchanged, except for cleanup which always
// ends in StateUnregistered.
func (r *Registry) Transition(ctx context.Context, id string, op Op) error {
	e, err := r.lookup("Transition", id)
	if err != nil {
		return err
	}

	e.transitionMu.Lock()
	defer e.transitionMu.Unlock()

	from := e.current()
	to, ok := Next(from, op)
	if !ok {
		r.recordTransition(id, op, "invalid")
		return errors.WrapInvalid(
			fmt.Errorf("%w: cannot %s module %q in state %s", errors.ErrInvalidTransition, op, id, from),
			"Registry", "Transition", "transition check")
	}

	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "Registry", "Transition", string(op))
	}

	hookErr := callHook(ctx, e.module, op)
	if hookErr != nil && op != OpCleanup {
		e.fail(hookErr)
		r.recordTransition(id, op, "error")
		r.logger.Warn("Module lifecycle hook failed",
			"module", id, "op", op, "state", from, "error", hookErr)
		return errors.WrapTransient(hookErr, "Registry", "Transition", fmt.Sprintf("%s hook for %q", op, id))
	}

	e.set(to, hookErr)
	r.recordTransition(id, op, "ok")
	r.recordState(id, to)
	r.logger.Info("Module transitioned", "module", id, "op", op, "from", from, "to", to)

	if hookErr != nil {
		r.logger.Warn("Module cleanup hook failed, state forced", "module", id, "error", hookErr)
		return errors.WrapTransient(hookErr, "Registry", "Transition", fmt.Sprintf("cleanup hook for %q", id))
	}
	return nil
}

// callHook runs a lifecycle hook, converting a panic into an error
func callHook(ctx context.Context, m Module, op Op) (err error) {
	fn := hook(m, op)
	if fn == nil {
		return fmt.Errorf("no hook for operation %q", op)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s hook panicked: %v", op, p)
		}
	}()
	return fn(ctx)
}

// Prepare moves a module from unregistered to prepared
func (r *Registry) Prepare(ctx context.Context, id string) error {
	return r.Transition(ctx, id, OpPrepare)
}

// Load moves a module from prepared to loaded
func (r *Registry) Load(ctx context.Context, id string) error {
	return r.Transition(ctx, id, OpLoad)
}

// Start activates a loaded or suspended module
func (r *Registry) Start(ctx context.Context, id string) error {
	return r.Transition(ctx, id, OpStart)
}

// Suspend pauses an active module
func (r *Registry) Suspend(ctx context.Context, id string) error {
	return r.Transition(ctx, id, OpSuspend)
}

// Resume reactivates a suspended module
func (r *Registry) Resume(ctx context.Context, id string) error {
	return r.Transition(ctx, id, OpResume)
}

// Stop stops an active or suspended module
func (r *Registry) Stop(ctx context.Context, id string) error {
	return r.Transition(ctx, id, OpStop)
}

// Unload releases a stopped module
func (r *Registry) Unload(ctx context.Context, id string) error {
	return r.Transition(ctx, id, OpUnload)
}

// Cleanup forces a module back to unregistered from any state
func (r *Registry) Cleanup(ctx context.Context, id string) error {
	return r.Transition(ctx, id, OpCleanup)
}

// State returns the current state of a module
func (r *Registry) State(id string) (State, error) {
	e, err := r.lookup("State", id)
	if err != nil {
		return StateUnregistered, err
	}
	return e.current(), nil
}

// Capabilities returns the declared capabilities of a module in any state
func (r *Registry) Capabilities(id string) (Capabilities, error) {
	e, err := r.lookup("Capabilities", id)
	if err != nil {
		return Capabilities{}, err
	}
	return e.module.Capabilities(), nil
}

// Status returns the status record of one module
func (r *Registry) Status(id string) (Status, error) {
	e, err := r.lookup("Status", id)
	if err != nil {
		return Status{}, err
	}
	return e.status(), nil
}

// List returns status records for every module sorted by id
func (r *Registry) List() []Status {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.status())
	}
	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Process invokes the module's Process hook. It fails with
// ErrModuleNotActive unless the module is active. Non-reentrant modules
// receive one call at a time; a caller whose ctx ends while waiting for the
// previous call gets ErrTimeout.
func (r *Registry) Process(ctx context.Context, id string, msg *message.Message, pctx PipelineContext) (Outcome, error) {
	e, err := r.lookup("Process", id)
	if err != nil {
		return OutcomeContinue, err
	}

	if !e.module.Capabilities().Reentrant {
		select {
		case e.processing <- struct{}{}:
			defer func() { <-e.processing }()
		case <-ctx.Done():
			return OutcomeContinue, fmt.Errorf("%w: %w: module %q busy: %w",
				errors.ErrModuleProcess, errors.ErrTimeout, id, ctx.Err())
		}
	}

	if s := e.current(); s != StateActive {
		return OutcomeContinue, errors.Wrap(
			fmt.Errorf("%w: module %q is %s", errors.ErrModuleNotActive, id, s),
			"Registry", "Process", "state check")
	}

	outcome, err := callProcess(ctx, e.module, msg, pctx)
	e.processed.Add(1)
	if err != nil {
		e.failed.Add(1)
		return outcome, fmt.Errorf("%w: module %q: %w", errors.ErrModuleProcess, id, err)
	}
	return outcome, nil
}

func callProcess(ctx context.Context, m Module, msg *message.Message, pctx PipelineContext) (outcome Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			outcome = OutcomeContinue
			err = fmt.Errorf("process panicked: %v", p)
		}
	}()
	return m.Process(ctx, msg, pctx)
}

// Bootstrap runs prepare, load and start in order
func (r *Registry) Bootstrap(ctx context.Context, id string) error {
	for _, op := range []Op{OpPrepare, OpLoad, OpStart} {
		if err := r.Transition(ctx, id, op); err != nil {
			return errors.Wrap(err, "Registry", "Bootstrap", fmt.Sprintf("%s %q", op, id))
		}
	}
	return nil
}

// ShutdownAll stops and unloads every module in reverse registration order.
// Modules that were never started are left alone. All failures are joined.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	slices.SortFunc(entries, func(a, b *entry) int { return b.order - a.order })

	var errs []error
	for _, e := range entries {
		switch e.current() {
		case StateActive, StateSuspended:
			if err := r.Transition(ctx, e.id, OpStop); err != nil {
				errs = append(errs, err)
				continue
			}
			fallthrough
		case StateStopped:
			if err := r.Transition(ctx, e.id, OpUnload); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if len(errs) > 0 {
		return errors.Wrap(stderrors.Join(errs...), "Registry", "ShutdownAll", "module shutdown")
	}
	return nil
}

func (r *Registry) recordTransition(id string, op Op, result string) {
	if r.metrics == nil {
		return
	}
	r.metrics.ModuleTransitions.WithLabelValues(id, string(op), result).Inc()
}

func (r *Registry) recordState(id string, s State) {
	if r.metrics == nil {
		return
	}
	r.metrics.ModuleState.WithLabelValues(id).Set(float64(s))
}
