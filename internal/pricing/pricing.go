// Package pricing maps models to per-1K token prices and derives request cost.
package pricing

import "sync"

// Price holds per-1K-token USD prices for one model.
type Price struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
	CachedPer1K float64 `json:"cached_per_1k"`
}

// Table maps model name to its price entry. Unknown models cost zero.
type Table map[string]Price

// Default returns the compiled-in pricing table.
func Default() Table {
	return Table{
		"mock-1":   {InputPer1K: 0.002, OutputPer1K: 0.002},
		"mock-2":   {InputPer1K: 0.010, OutputPer1K: 0.030, CachedPer1K: 0.001},
		"llama3.2": {InputPer1K: 0.000, OutputPer1K: 0.000},
	}
}

// Cost computes the USD cost for the given token counts against the table.
// A model absent from the table yields zero.
func (t Table) Cost(model string, promptTokens, completionTokens, cachedTokens int) float64 {
	p, ok := t[model]
	if !ok {
		return 0
	}
	return float64(promptTokens)/1000*p.InputPer1K +
		float64(completionTokens)/1000*p.OutputPer1K +
		float64(cachedTokens)/1000*p.CachedPer1K
}

// Merge returns a new table with items layered over base. Neither input is
// mutated.
func Merge(base Table, items Table) Table {
	out := make(Table, len(base)+len(items))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range items {
		out[k] = v
	}
	return out
}

// Book is a mutable pricing table safe for concurrent readers. Admin
// overlays replace the table atomically; the hot path takes a read lock.
type Book struct {
	mu    sync.RWMutex
	table Table
}

// NewBook returns a Book seeded with the given table.
func NewBook(t Table) *Book {
	if t == nil {
		t = Default()
	}
	return &Book{table: t}
}

// Cost derives cost against the current table.
func (b *Book) Cost(model string, promptTokens, completionTokens, cachedTokens int) float64 {
	b.mu.RLock()
	t := b.table
	b.mu.RUnlock()
	return t.Cost(model, promptTokens, completionTokens, cachedTokens)
}

// Merge layers items over the current table.
func (b *Book) Merge(items Table) {
	b.mu.Lock()
	b.table = Merge(b.table, items)
	b.mu.Unlock()
}

// Snapshot returns a copy of the current table.
func (b *Book) Snapshot() Table {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(Table, len(b.table))
	for k, v := range b.table {
		out[k] = v
	}
	return out
}
