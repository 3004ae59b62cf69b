package definitions

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/pvorotnikov/open-iot-sub001/errors"
	"github.com/pvorotnikov/open-iot-sub001/natsclient"
	"github.com/pvorotnikov/open-iot-sub001/pipeline"
	"github.com/pvorotnikov/open-iot-sub001/rule"
	"github.com/pvorotnikov/open-iot-sub001/tag"
)

// BucketPrefix prefixes the per-kind bucket names
const BucketPrefix = "semroute_"

// Bucket returns the KV bucket name for kind
func Bucket(kind Kind) string {
	return BucketPrefix + string(kind)
}

// KVStore persists definitions in NATS KV and keeps Stores in sync with it
type KVStore struct {
	stores  Stores
	logger  *slog.Logger
	buckets map[Kind]*natsclient.KVStore

	wg sync.WaitGroup
}

// NewKVStore creates the three buckets when missing
func NewKVStore(ctx context.Context, client *natsclient.Client, stores Stores, logger *slog.Logger) (*KVStore, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "definitions", "NewKVStore", "nats client required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &KVStore{
		stores:  stores,
		logger:  logger.With("component", "definitions"),
		buckets: make(map[Kind]*natsclient.KVStore, 3),
	}

	for _, kind := range Kinds() {
		bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket:      Bucket(kind),
			Description: "semroute " + string(kind) + " definitions",
			History:     10,
		})
		if err != nil {
			return nil, errors.WrapTransient(err, "definitions", "NewKVStore", "create bucket "+Bucket(kind))
		}
		s.buckets[kind] = client.NewKVStore(bucket)
	}

	return s, nil
}

// Seed writes every record of doc that is not yet stored. Existing keys win.
func (s *KVStore) Seed(ctx context.Context, doc Document) error {
	seed := func(kind Kind, id string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return errors.WrapFatal(err, "definitions", "Seed", "marshal "+id)
		}
		_, err = s.buckets[kind].Create(ctx, id, data)
		if err != nil && !stderrors.Is(err, natsclient.ErrKVKeyExists) {
			return errors.WrapTransient(err, "definitions", "Seed", fmt.Sprintf("create %s %s", kind, id))
		}
		return nil
	}

	for id, t := range doc.Tags {
		if err := seed(KindTag, id, t); err != nil {
			return err
		}
	}
	for id, r := range doc.Rules {
		if err := seed(KindRule, id, r); err != nil {
			return err
		}
	}
	for id, p := range doc.Pipelines {
		if err := seed(KindPipeline, id, p); err != nil {
			return err
		}
	}
	return nil
}

// Start loads the current contents of every bucket into the stores and
// then follows live changes until ctx ends. Load faults are returned;
// faults on later changes are logged.
func (s *KVStore) Start(ctx context.Context) error {
	var doc Document
	watchers := make(map[Kind]jetstream.KeyWatcher, 3)
	stopAll := func() {
		for _, w := range watchers {
			_ = w.Stop()
		}
	}

	for _, kind := range Kinds() {
		w, err := s.buckets[kind].Watch(ctx, ">")
		if err != nil {
			stopAll()
			return errors.WrapTransient(err, "definitions", "Start", "watch "+Bucket(kind))
		}
		watchers[kind] = w

		if err := s.replay(ctx, kind, w, &doc); err != nil {
			stopAll()
			return err
		}
	}

	if err := doc.normalize(); err != nil {
		stopAll()
		return err
	}
	if err := s.stores.Apply(doc); err != nil {
		stopAll()
		return errors.WrapFatal(err, "definitions", "Start", "apply stored definitions")
	}
	s.logger.Info("Definitions loaded", "tags", len(doc.Tags), "rules", len(doc.Rules), "pipelines", len(doc.Pipelines))

	for kind, w := range watchers {
		s.wg.Add(1)
		go s.follow(ctx, kind, w)
	}
	return nil
}

// Wait blocks until every watcher started by Start has stopped
func (s *KVStore) Wait() {
	s.wg.Wait()
}

// replay reads the initial values up to the nil marker
func (s *KVStore) replay(ctx context.Context, kind Kind, w jetstream.KeyWatcher, doc *Document) error {
	for {
		select {
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "definitions", "Start", "replay "+Bucket(kind))
		case entry, ok := <-w.Updates():
			if !ok {
				return errors.WrapTransient(errors.ErrConnectionLost, "definitions", "Start", "replay "+Bucket(kind))
			}
			if entry == nil {
				return nil
			}
			if entry.Operation() != jetstream.KeyValuePut {
				continue
			}
			if err := doc.add(kind, entry.Key(), entry.Value()); err != nil {
				return errors.WrapFatal(err, "definitions", "Start", "decode "+Bucket(kind)+"/"+entry.Key())
			}
		}
	}
}

func (s *KVStore) follow(ctx context.Context, kind Kind, w jetstream.KeyWatcher) {
	defer s.wg.Done()
	defer func() { _ = w.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-w.Updates():
			if !ok {
				s.logger.Warn("Definition watcher closed", "bucket", Bucket(kind))
				return
			}
			if entry == nil {
				continue
			}
			if err := s.applyEntry(kind, entry); err != nil {
				s.logger.Error("Definition change rejected",
					"bucket", Bucket(kind), "key", entry.Key(), "error", err)
			}
		}
	}
}

func (s *KVStore) applyEntry(kind Kind, entry jetstream.KeyValueEntry) error {
	if entry.Operation() != jetstream.KeyValuePut {
		return s.remove(kind, entry.Key())
	}

	var doc Document
	if err := doc.add(kind, entry.Key(), entry.Value()); err != nil {
		return err
	}
	if err := doc.normalize(); err != nil {
		return err
	}
	return s.stores.Apply(doc)
}

func (s *KVStore) remove(kind Kind, id string) error {
	var err error
	switch kind {
	case KindTag:
		err = s.stores.Tags.Remove(id)
	case KindRule:
		err = s.stores.Rules.Remove(id)
	case KindPipeline:
		err = s.stores.Pipelines.Remove(id)
	}
	if stderrors.Is(err, errors.ErrNotFound) {
		return nil
	}
	return err
}

// Put persists a record. The value is stored as JSON.
func (s *KVStore) Put(ctx context.Context, kind Kind, id string, value any) error {
	bucket, ok := s.buckets[kind]
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("unknown kind %q", kind), "definitions", "Put", "bucket lookup")
	}

	data, err := json.Marshal(value)
	if err != nil {
		return errors.WrapFatal(err, "definitions", "Put", "marshal "+id)
	}
	if _, err := bucket.Put(ctx, id, data); err != nil {
		return errors.WrapTransient(err, "definitions", "Put", fmt.Sprintf("put %s %s", kind, id))
	}
	return nil
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *KVStore) Delete(ctx context.Context, kind Kind, id string) error {
	bucket, ok := s.buckets[kind]
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("unknown kind %q", kind), "definitions", "Delete", "bucket lookup")
	}

	if err := bucket.Delete(ctx, id); err != nil && !natsclient.IsKVNotFoundError(err) {
		return errors.WrapTransient(err, "definitions", "Delete", fmt.Sprintf("delete %s %s", kind, id))
	}
	return nil
}

// add decodes one stored record into the document
func (d *Document) add(kind Kind, key string, data []byte) error {
	switch kind {
	case KindTag:
		var t tag.Tag
		if err := json.Unmarshal(data, &t); err != nil {
			return errors.WrapInvalid(err, "definitions", "decode", "unmarshal tag "+key)
		}
		if d.Tags == nil {
			d.Tags = make(map[string]tag.Tag)
		}
		d.Tags[key] = t
	case KindRule:
		var r rule.Rule
		if err := json.Unmarshal(data, &r); err != nil {
			return errors.WrapInvalid(err, "definitions", "decode", "unmarshal rule "+key)
		}
		if d.Rules == nil {
			d.Rules = make(map[string]rule.Rule)
		}
		d.Rules[key] = r
	case KindPipeline:
		var p pipeline.Pipeline
		if err := json.Unmarshal(data, &p); err != nil {
			return errors.WrapInvalid(err, "definitions", "decode", "unmarshal pipeline "+key)
		}
		if d.Pipelines == nil {
			d.Pipelines = make(map[string]pipeline.Pipeline)
		}
		d.Pipelines[key] = p
	default:
		return errors.WrapInvalid(fmt.Errorf("unknown kind %q", kind), "definitions", "decode", "kind lookup")
	}
	return nil
}
