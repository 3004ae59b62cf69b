package module

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pvorotnikov/open-iot-sub001/message"
)

// fakeModule records hook calls and can be told to fail or block
type fakeModule struct {
	Base

	reentrant bool
	delay     time.Duration
	// hang, when set, blocks Process until closed regardless of ctx.
	hang chan struct{}

	mu       sync.Mutex
	calls    []Op
	failOn   map[Op]error
	panicOn  Op
	inflight atomic.Int32
	peak     atomic.Int32
	processN atomic.Int32
}

func newFakeModule() *fakeModule {
	return &fakeModule{failOn: make(map[Op]error)}
}

func (f *fakeModule) record(op Op) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	if op == f.panicOn {
		panic("boom")
	}
	return f.failOn[op]
}

func (f *fakeModule) history() []Op {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Op(nil), f.calls...)
}

func (f *fakeModule) Capabilities() Capabilities {
	return Capabilities{Name: "fake", Version: "1.0.0", Reentrant: f.reentrant}
}

func (f *fakeModule) Prepare(context.Context) error { return f.record(OpPrepare) }
func (f *fakeModule) Load(context.Context) error    { return f.record(OpLoad) }
func (f *fakeModule) Start(context.Context) error   { return f.record(OpStart) }
func (f *fakeModule) Suspend(context.Context) error { return f.record(OpSuspend) }
func (f *fakeModule) Resume(context.Context) error  { return f.record(OpResume) }
func (f *fakeModule) Stop(context.Context) error    { return f.record(OpStop) }
func (f *fakeModule) Unload(context.Context) error  { return f.record(OpUnload) }
func (f *fakeModule) Cleanup(context.Context) error { return f.record(OpCleanup) }

func (f *fakeModule) Process(ctx context.Context, msg *message.Message, _ PipelineContext) (Outcome, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	f.processN.Add(1)

	if f.hang != nil {
		<-f.hang
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return OutcomeContinue, ctx.Err()
		}
	}
	if string(msg.Payload) == "fail" {
		return OutcomeContinue, errors.New("payload rejected")
	}
	if string(msg.Payload) == "panic" {
		panic("process exploded")
	}
	msg.AddTags("processed")
	return OutcomeContinue, nil
}
