package definitions

import (
	"bytes"
	"cmp"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/pvorotnikov/open-iot-sub001/errors"
	"github.com/pvorotnikov/open-iot-sub001/pipeline"
	"github.com/pvorotnikov/open-iot-sub001/rule"
	"github.com/pvorotnikov/open-iot-sub001/tag"
)

// Kind names one of the three definition maps
type Kind string

// Definition kinds
const (
	KindTag      Kind = "tags"
	KindRule     Kind = "rules"
	KindPipeline Kind = "pipelines"
)

// Kinds lists the kinds in application order
func Kinds() []Kind {
	return []Kind{KindTag, KindRule, KindPipeline}
}

// Document is the persisted configuration. Map keys are record ids; a
// record may omit its id field.
type Document struct {
	Tags      map[string]tag.Tag           `json:"tags,omitempty" yaml:"tags,omitempty"`
	Rules     map[string]rule.Rule         `json:"rules,omitempty" yaml:"rules,omitempty"`
	Pipelines map[string]pipeline.Pipeline `json:"pipelines,omitempty" yaml:"pipelines,omitempty"`
}

// Len returns the number of records in the document
func (d Document) Len() int {
	return len(d.Tags) + len(d.Rules) + len(d.Pipelines)
}

// Decode reads a YAML (or JSON) document. Unknown fields are rejected.
func Decode(r io.Reader) (Document, error) {
	var doc Document

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return Document{}, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrParsingFailed, err),
			"definitions", "Decode", "decode document")
	}

	if err := doc.normalize(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// LoadFile reads a seed document from path
func LoadFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, errors.WrapFatal(err, "definitions", "LoadFile", "read "+path)
	}
	return Decode(bytes.NewReader(data))
}

// normalize fills ids from map keys and rejects mismatches
func (d *Document) normalize() error {
	for key, t := range d.Tags {
		if err := fillID(KindTag, key, &t.ID); err != nil {
			return err
		}
		d.Tags[key] = t
	}
	for key, r := range d.Rules {
		if err := fillID(KindRule, key, &r.ID); err != nil {
			return err
		}
		d.Rules[key] = r
	}
	for key, p := range d.Pipelines {
		if err := fillID(KindPipeline, key, &p.ID); err != nil {
			return err
		}
		d.Pipelines[key] = p
	}
	return nil
}

func fillID(kind Kind, key string, id *string) error {
	switch *id {
	case "":
		*id = key
	case key:
	default:
		return errors.WrapInvalid(fmt.Errorf("%s %q: record id %q does not match its key", kind, key, *id),
			"definitions", "Decode", "id check")
	}
	return nil
}

// Stores are the in-memory catalogs definitions are applied to
type Stores struct {
	Tags      *tag.Catalog
	Rules     *rule.Catalog
	Pipelines *pipeline.Store
}

// Apply upserts every record of doc, tags first, then rules, then
// pipelines. Records of one kind are applied in id order, except pipelines
// carrying a creation sequence, which keep that order so priority ties
// break the same way after a restart. Apply stops at the first fault.
func (s Stores) Apply(doc Document) error {
	for _, id := range slices.Sorted(maps.Keys(doc.Tags)) {
		if _, err := s.Tags.Upsert(doc.Tags[id]); err != nil {
			return errors.Wrap(err, "definitions", "Apply", "apply tag "+id)
		}
	}
	for _, id := range slices.Sorted(maps.Keys(doc.Rules)) {
		if _, err := s.Rules.Upsert(doc.Rules[id]); err != nil {
			return errors.Wrap(err, "definitions", "Apply", "apply rule "+id)
		}
	}

	pipelines := slices.Collect(maps.Values(doc.Pipelines))
	slices.SortFunc(pipelines, func(a, b pipeline.Pipeline) int {
		return cmp.Or(cmp.Compare(a.Seq, b.Seq), cmp.Compare(a.ID, b.ID))
	})
	for _, p := range pipelines {
		if _, err := s.Pipelines.Upsert(p); err != nil {
			return errors.Wrap(err, "definitions", "Apply", "apply pipeline "+p.ID)
		}
	}
	return nil
}

// Export snapshots the stores as a document
func (s Stores) Export() Document {
	doc := Document{
		Tags:      make(map[string]tag.Tag),
		Rules:     make(map[string]rule.Rule),
		Pipelines: make(map[string]pipeline.Pipeline),
	}
	for _, t := range s.Tags.List() {
		doc.Tags[t.ID] = t
	}
	for _, r := range s.Rules.List() {
		doc.Rules[r.ID] = r
	}
	for _, p := range s.Pipelines.List() {
		doc.Pipelines[p.ID] = p
	}
	return doc
}
