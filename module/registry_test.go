package module

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvorotnikov/open-iot-sub001/errors"
	"github.com/pvorotnikov/open-iot-sub001/message"
	"github.com/pvorotnikov/open-iot-sub001/metric"
)

func newTestRegistry(t *testing.T) (*Registry, *metric.Metrics) {
	t.Helper()
	metrics := metric.NewMetricsRegistry().CoreMetrics()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRegistry(logger, metrics), metrics
}

func TestRegistry_Register(t *testing.T) {
	reg, _ := newTestRegistry(t)

	require.NoError(t, reg.Register("validate", newFakeModule()))
	assert.True(t, reg.Has("validate"))

	err := reg.Register("validate", newFakeModule())
	assert.ErrorIs(t, err, errors.ErrDuplicateID)

	assert.Error(t, reg.Register("", newFakeModule()))
	assert.Error(t, reg.Register("nil", nil))

	state, err := reg.State("validate")
	require.NoError(t, err)
	assert.Equal(t, StateUnregistered, state)

	_, err = reg.State("missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestRegistry_StartBeforeLoad(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	mod := newFakeModule()
	require.NoError(t, reg.Register("validate", mod))

	err := reg.Start(ctx, "validate")
	require.ErrorIs(t, err, errors.ErrInvalidTransition)
	assert.Equal(t, errors.CodeInvalidTransition, errors.CodeOf(err))
	assert.Empty(t, mod.history(), "hook must not run on illegal transition")

	state, _ := reg.State("validate")
	assert.Equal(t, StateUnregistered, state)

	require.NoError(t, reg.Prepare(ctx, "validate"))
	require.NoError(t, reg.Load(ctx, "validate"))
	require.NoError(t, reg.Start(ctx, "validate"))

	state, _ = reg.State("validate")
	assert.Equal(t, StateActive, state)
	assert.Equal(t, []Op{OpPrepare, OpLoad, OpStart}, mod.history())
}

func TestRegistry_FullLifecycle(t *testing.T) {
	reg, metrics := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.Register("m", newFakeModule()))

	steps := []struct {
		op   Op
		want State
	}{
		{OpPrepare, StatePrepared},
		{OpLoad, StateLoaded},
		{OpStart, StateActive},
		{OpSuspend, StateSuspended},
		{OpResume, StateActive},
		{OpSuspend, StateSuspended},
		{OpStart, StateActive},
		{OpStop, StateStopped},
		{OpUnload, StateUnloaded},
		{OpCleanup, StateUnregistered},
	}
	for _, step := range steps {
		require.NoError(t, reg.Transition(ctx, "m", step.op), "op %s", step.op)
		state, err := reg.State("m")
		require.NoError(t, err)
		assert.Equal(t, step.want, state, "after %s", step.op)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ModuleTransitions.WithLabelValues("m", "suspend", "ok")))
	assert.Equal(t, float64(StateUnregistered), testutil.ToFloat64(metrics.ModuleState.WithLabelValues("m")))
}

func TestRegistry_IllegalTransitionsNeverMutate(t *testing.T) {
	ctx := context.Background()
	paths := map[State][]Op{
		StateUnregistered: nil,
		StatePrepared:     {OpPrepare},
		StateLoaded:       {OpPrepare, OpLoad},
		StateActive:       {OpPrepare, OpLoad, OpStart},
		StateSuspended:    {OpPrepare, OpLoad, OpStart, OpSuspend},
		StateStopped:      {OpPrepare, OpLoad, OpStart, OpStop},
		StateUnloaded:     {OpPrepare, OpLoad, OpStart, OpStop, OpUnload},
	}

	for from, path := range paths {
		for _, op := range Ops() {
			if _, ok := Next(from, op); ok {
				continue
			}
			t.Run(from.String()+"/"+string(op), func(t *testing.T) {
				reg, _ := newTestRegistry(t)
				require.NoError(t, reg.Register("m", newFakeModule()))
				for _, step := range path {
					require.NoError(t, reg.Transition(ctx, "m", step))
				}

				err := reg.Transition(ctx, "m", op)
				require.ErrorIs(t, err, errors.ErrInvalidTransition)

				state, _ := reg.State("m")
				assert.Equal(t, from, state)
			})
		}
	}
}

func TestRegistry_HookFailureKeepsState(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	mod := newFakeModule()
	mod.failOn[OpLoad] = stderrors.New("disk full")
	require.NoError(t, reg.Register("m", mod))
	require.NoError(t, reg.Prepare(ctx, "m"))

	err := reg.Load(ctx, "m")
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Contains(t, err.Error(), "disk full")

	status, err := reg.Status("m")
	require.NoError(t, err)
	assert.Equal(t, StatePrepared, status.State)
	assert.Equal(t, "disk full", status.LastError)

	delete(mod.failOn, OpLoad)
	require.NoError(t, reg.Load(ctx, "m"))
	status, _ = reg.Status("m")
	assert.Equal(t, StateLoaded, status.State)
	assert.Empty(t, status.LastError)
}

func TestRegistry_HookPanicIsContained(t *testing.T) {
	reg, _ := newTestRegistry(t)
	mod := newFakeModule()
	mod.panicOn = OpPrepare
	require.NoError(t, reg.Register("m", mod))

	err := reg.Prepare(context.Background(), "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	state, _ := reg.State("m")
	assert.Equal(t, StateUnregistered, state)
}

func TestRegistry_CleanupForcedOnHookFailure(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	mod := newFakeModule()
	mod.failOn[OpCleanup] = stderrors.New("leaked handle")
	require.NoError(t, reg.Register("m", mod))
	require.NoError(t, reg.Bootstrap(ctx, "m"))

	err := reg.Cleanup(ctx, "m")
	require.Error(t, err)

	status, _ := reg.Status("m")
	assert.Equal(t, StateUnregistered, status.State)
	assert.Equal(t, "leaked handle", status.LastError)
}

func TestRegistry_ProcessRequiresActive(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	mod := newFakeModule()
	require.NoError(t, reg.Register("m", mod))

	for _, op := range []Op{"", OpPrepare, OpLoad, OpStart, OpSuspend, OpStop, OpUnload} {
		if op != "" {
			require.NoError(t, reg.Transition(ctx, "m", op))
		}
		before, _ := reg.State("m")

		_, err := reg.Process(ctx, "m", message.New("a/b", nil), PipelineContext{})
		if before == StateActive {
			require.NoError(t, err)
			continue
		}
		require.ErrorIs(t, err, errors.ErrModuleNotActive, "state %s", before)
		assert.Equal(t, errors.CodeModuleNotActive, errors.CodeOf(err))

		after, _ := reg.State("m")
		assert.Equal(t, before, after)
	}
	assert.Equal(t, int32(1), mod.processN.Load())
}

func TestRegistry_ProcessFaults(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.Register("m", newFakeModule()))
	require.NoError(t, reg.Bootstrap(ctx, "m"))

	msg := message.New("a", []byte("ok"))
	outcome, err := reg.Process(ctx, "m", msg, PipelineContext{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeContinue, outcome)
	assert.True(t, msg.HasTag("processed"))

	_, err = reg.Process(ctx, "m", message.New("a", []byte("fail")), PipelineContext{})
	assert.ErrorIs(t, err, errors.ErrModuleProcess)

	_, err = reg.Process(ctx, "m", message.New("a", []byte("panic")), PipelineContext{})
	assert.ErrorIs(t, err, errors.ErrModuleProcess)
	assert.Contains(t, err.Error(), "panicked")

	status, _ := reg.Status("m")
	assert.Equal(t, int64(3), status.Processed)
	assert.Equal(t, int64(2), status.Failed)
	assert.Equal(t, StateActive, status.State)
}

func runConcurrentProcess(t *testing.T, reentrant bool) int32 {
	t.Helper()
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	mod := newFakeModule()
	mod.reentrant = reentrant
	mod.delay = 50 * time.Millisecond
	require.NoError(t, reg.Register("m", mod))
	require.NoError(t, reg.Bootstrap(ctx, "m"))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Process(ctx, "m", message.New("a", nil), PipelineContext{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	return mod.peak.Load()
}

func TestRegistry_ProcessSerializedUnlessReentrant(t *testing.T) {
	assert.Equal(t, int32(1), runConcurrentProcess(t, false))
	assert.Greater(t, runConcurrentProcess(t, true), int32(1))
}

func TestRegistry_ProcessWaitEndsWithContext(t *testing.T) {
	reg, _ := newTestRegistry(t)
	mod := newFakeModule()
	mod.hang = make(chan struct{})
	t.Cleanup(func() { close(mod.hang) })
	require.NoError(t, reg.Register("m", mod))
	require.NoError(t, reg.Bootstrap(context.Background(), "m"))

	go func() {
		_, _ = reg.Process(context.Background(), "m", message.New("a", nil), PipelineContext{})
	}()
	require.Eventually(t, func() bool { return mod.inflight.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := reg.Process(ctx, "m", message.New("b", nil), PipelineContext{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTimeout)
	assert.ErrorIs(t, err, errors.ErrModuleProcess)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, int32(1), mod.processN.Load())
}

func TestRegistry_StateReadableDuringLongProcess(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	mod := newFakeModule()
	mod.delay = 200 * time.Millisecond
	require.NoError(t, reg.Register("m", mod))
	require.NoError(t, reg.Bootstrap(ctx, "m"))

	go func() {
		_, _ = reg.Process(ctx, "m", message.New("a", nil), PipelineContext{})
	}()
	require.Eventually(t, func() bool { return mod.inflight.Load() == 1 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	state, err := reg.State("m")
	require.NoError(t, err)
	assert.Equal(t, StateActive, state)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestRegistry_ConcurrentTransitionsTotalOrder(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	mod := newFakeModule()
	require.NoError(t, reg.Register("m", mod))
	require.NoError(t, reg.Bootstrap(ctx, "m"))

	ops := []Op{OpStart, OpStop, OpSuspend, OpResume}
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(op Op) {
			defer wg.Done()
			_ = reg.Transition(ctx, "m", op)
		}(ops[i%len(ops)])
	}
	wg.Wait()

	// every hook that ran must form a legal path from unregistered
	state := StateUnregistered
	for _, op := range mod.history() {
		next, ok := Next(state, op)
		require.True(t, ok, "hook %s ran from %s", op, state)
		state = next
	}
	final, _ := reg.State("m")
	assert.Equal(t, state, final)
}

func TestRegistry_Unregister(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.Register("m", newFakeModule()))
	require.NoError(t, reg.Bootstrap(ctx, "m"))

	err := reg.Unregister("m")
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)

	require.NoError(t, reg.Stop(ctx, "m"))
	require.NoError(t, reg.Unload(ctx, "m"))
	require.NoError(t, reg.Unregister("m"))
	assert.False(t, reg.Has("m"))

	assert.ErrorIs(t, reg.Unregister("m"), errors.ErrNotFound)
}

func TestRegistry_ListSorted(t *testing.T) {
	reg, _ := newTestRegistry(t)
	require.NoError(t, reg.Register("zeta", newFakeModule()))
	require.NoError(t, reg.Register("alpha", newFakeModule()))

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].ID)
	assert.Equal(t, "zeta", list[1].ID)
	assert.Equal(t, "fake", list[0].Capabilities.Name)
}

func TestRegistry_ShutdownAllReverseOrder(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	for _, id := range []string{"first", "second", "third"} {
		mod := &orderedModule{id: id, mu: &mu, order: &order}
		require.NoError(t, reg.Register(id, mod))
	}
	require.NoError(t, reg.Bootstrap(ctx, "first"))
	require.NoError(t, reg.Bootstrap(ctx, "second"))
	require.NoError(t, reg.Bootstrap(ctx, "third"))
	require.NoError(t, reg.Suspend(ctx, "second"))

	require.NoError(t, reg.ShutdownAll(ctx))
	assert.Equal(t, []string{"third", "second", "first"}, order)

	for _, st := range reg.List() {
		assert.Equal(t, StateUnloaded, st.State, st.ID)
	}
}

type orderedModule struct {
	Base
	id    string
	mu    *sync.Mutex
	order *[]string
}

func (m *orderedModule) Capabilities() Capabilities { return Capabilities{Name: m.id} }

func (m *orderedModule) Stop(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	*m.order = append(*m.order, m.id)
	return nil
}

func (m *orderedModule) Process(context.Context, *message.Message, PipelineContext) (Outcome, error) {
	return OutcomeContinue, nil
}
