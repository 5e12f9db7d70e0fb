// Package storetest provides an in-memory Store that records every call.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"secondmind/internal/store"
)

// Write is one recorded write.
type Write struct {
	Op        string // create, update
	ItemID    string
	Item      store.Item
	Patch     map[string]any
	Relevance *float64
}

// Recorder implements store.Store in memory. Reads see prior writes.
type Recorder struct {
	mu      sync.Mutex
	writes  []Write
	records map[string]*entry
	order   []string
	next    int

	// MissingOnUpdate makes every Update behave as if the item were unknown.
	MissingOnUpdate bool
}

type entry struct {
	session string
	rec     store.Record
}

// New returns an empty recorder.
func New() *Recorder {
	return &Recorder{records: make(map[string]*entry)}
}

// Create implements store.Store.
func (r *Recorder) Create(_ context.Context, item store.Item) store.WriteResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := fmt.Sprintf("item-%d", r.next)
	r.writes = append(r.writes, Write{Op: "create", ItemID: id, Item: item})
	r.records[id] = &entry{session: item.SessionID, rec: store.Record{
		ID:        id,
		Type:      item.Type,
		Data:      toMap(item.Data),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Relevance: item.Relevance,
	}}
	r.order = append(r.order, id)
	return store.WriteResult{ItemID: id, Remote: true}
}

// Update implements store.Store.
func (r *Recorder) Update(ctx context.Context, itemID string, patch map[string]any, relevance *float64, fallback store.Item) store.WriteResult {
	r.mu.Lock()
	e, ok := r.records[itemID]
	if ok && !r.MissingOnUpdate {
		r.writes = append(r.writes, Write{Op: "update", ItemID: itemID, Patch: patch, Relevance: relevance})
		for k, v := range patch {
			e.rec.Data[k] = v
		}
		if relevance != nil {
			e.rec.Relevance = *relevance
		}
		r.mu.Unlock()
		return store.WriteResult{ItemID: itemID, Remote: true}
	}
	r.mu.Unlock()
	return r.Create(ctx, fallback)
}

// Upsert implements store.Store.
func (r *Recorder) Upsert(ctx context.Context, itemID string, item store.Item) store.WriteResult {
	rel := item.Relevance
	return r.Update(ctx, itemID, toMap(item.Data), &rel, item)
}

// SessionItems implements store.Store.
func (r *Recorder) SessionItems(_ context.Context, sessionID, itemType string) []store.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.Record
	for _, id := range r.order {
		e := r.records[id]
		if e.session == sessionID && (itemType == "" || e.rec.Type == itemType) {
			out = append(out, e.rec)
		}
	}
	return out
}

// Search implements store.Store with a case-insensitive substring match.
func (r *Recorder) Search(_ context.Context, query, itemType string) []store.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := strings.ToLower(query)
	var out []store.Record
	for _, id := range r.order {
		e := r.records[id]
		if itemType != "" && e.rec.Type != itemType {
			continue
		}
		raw, _ := json.Marshal(e.rec.Data)
		if strings.Contains(strings.ToLower(string(raw)), q) {
			out = append(out, e.rec)
		}
	}
	return out
}

// Writes returns a copy of every recorded write.
func (r *Recorder) Writes() []Write {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Write(nil), r.writes...)
}

// OfType returns the recorded writes whose item type matches.
func (r *Recorder) OfType(itemType string) []Write {
	var out []Write
	for _, w := range r.Writes() {
		if w.Item.Type == itemType {
			out = append(out, w)
		}
	}
	return out
}

// Seed adds a record directly, bypassing the write log.
func (r *Recorder) Seed(sessionID string, rec store.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.Data == nil {
		rec.Data = map[string]any{}
	}
	r.records[rec.ID] = &entry{session: sessionID, rec: rec}
	r.order = append(r.order, rec.ID)
}

func toMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = val
		}
		return out
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}
