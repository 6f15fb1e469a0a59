package audit

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// MemoryRecorder guarda entradas em memória, para testes.
type MemoryRecorder struct {
	mu      sync.Mutex
	entries []Entry
}

func (m *MemoryRecorder) Record(_ context.Context, e Entry) {
	m.append(e)
}

func (m *MemoryRecorder) RecordTx(_ context.Context, _ pgx.Tx, e Entry) {
	m.append(e)
}

func (m *MemoryRecorder) append(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Checksum == "" {
		fact := e.Fact
		if fact == "" {
			fact = string(e.Action)
		}
		e.Checksum = Checksum(e.EntityID, fact)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

// Entries devolve uma cópia das entradas gravadas.
func (m *MemoryRecorder) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// Count devolve quantas entradas têm a ação informada.
func (m *MemoryRecorder) Count(action Action) int {
	n := 0
	for _, e := range m.Entries() {
		if e.Action == action {
			n++
		}
	}
	return n
}
