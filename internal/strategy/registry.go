package strategy

import (
	"sort"
	"sync"

	"crypto-trading-core/internal/errs"
)

// Registry is the in-memory strategy catalog. Records are validated on
// the way in so downstream consumers never see a malformed strategy.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Upsert validates and stores a record, replacing any previous version
func (rg *Registry) Upsert(rec *Record) error {
	const op = "strategy.Registry.Upsert"
	if rec == nil {
		return errs.Validation(op, "record is required")
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	rg.mu.Lock()
	defer rg.mu.Unlock()
	clone := *rec
	rg.records[rec.ID] = &clone
	return nil
}

// Get returns a copy of one record
func (rg *Registry) Get(id string) (*Record, bool) {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	rec, ok := rg.records[id]
	if !ok {
		return nil, false
	}
	clone := *rec
	return &clone, true
}

// Remove drops a record. Removing an unknown id is a no-op.
func (rg *Registry) Remove(id string) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	delete(rg.records, id)
}

// List returns copies of all records, ordered by id for stable iteration
func (rg *Registry) List() []*Record {
	rg.mu.RLock()
	defer rg.mu.RUnlock()

	out := make([]*Record, 0, len(rg.records))
	for _, rec := range rg.records {
		clone := *rec
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Candidates returns records eligible for activation review: anything
// not retired.
func (rg *Registry) Candidates() []*Record {
	all := rg.List()
	out := all[:0]
	for _, rec := range all {
		if rec.Status != StatusRetired {
			out = append(out, rec)
		}
	}
	return out
}
