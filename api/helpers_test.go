package api

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pvorotnikov/open-iot-sub001/definitions"
	"github.com/pvorotnikov/open-iot-sub001/message"
	"github.com/pvorotnikov/open-iot-sub001/module"
	"github.com/pvorotnikov/open-iot-sub001/pipeline"
	"github.com/pvorotnikov/open-iot-sub001/rule"
	"github.com/pvorotnikov/open-iot-sub001/tag"
)

type nopModule struct{ module.Base }

func (nopModule) Capabilities() module.Capabilities {
	return module.Capabilities{Name: "nop", Version: "1.0.0", Reentrant: true}
}

func (nopModule) Process(context.Context, *message.Message, module.PipelineContext) (module.Outcome, error) {
	return module.OutcomeContinue, nil
}

// memPersister records writes and can be told to fail
type memPersister struct {
	mu      sync.Mutex
	records map[string]any
	fail    bool
}

func newMemPersister() *memPersister {
	return &memPersister{records: make(map[string]any)}
}

func (p *memPersister) Put(_ context.Context, kind definitions.Kind, id string, value any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return fmt.Errorf("kv unreachable")
	}
	p.records[string(kind)+"/"+id] = value
	return nil
}

func (p *memPersister) Delete(_ context.Context, kind definitions.Kind, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return fmt.Errorf("kv unreachable")
	}
	delete(p.records, string(kind)+"/"+id)
	return nil
}

func (p *memPersister) has(kind definitions.Kind, id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.records[string(kind)+"/"+id]
	return ok
}

func (p *memPersister) setFail(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fail
}

// fixture wires stores and a registry holding an active module "nop"
type fixture struct {
	stores   definitions.Stores
	registry *module.Registry
	persist  *memPersister
	service  *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	registry := module.NewRegistry(nil, nil)
	require.NoError(t, registry.Register("nop", nopModule{}))
	require.NoError(t, registry.Bootstrap(context.Background(), "nop"))

	tags := tag.NewCatalog()
	rules := rule.NewCatalog(tags)
	stores := definitions.Stores{
		Tags:      tags,
		Rules:     rules,
		Pipelines: pipeline.NewStore(registry, rules),
	}

	persist := newMemPersister()
	return &fixture{
		stores:   stores,
		registry: registry,
		persist:  persist,
		service:  NewService(stores, registry, persist, nil),
	}
}
