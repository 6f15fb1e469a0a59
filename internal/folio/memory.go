package folio

import (
	"context"
	"errors"
	"sync"
)

var errTxClosed = errors.New("transação encerrada")

// MemoryStore guarda contadores em memória com semântica transacional:
// quem incrementa segura o contador até Commit ou Rollback.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]int64
	locks  map[string]*sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string]int64{}, locks: map[string]*sync.Mutex{}}
}

// Begin abre uma transação.
func (s *MemoryStore) Begin() *MemoryTx {
	return &MemoryTx{store: s, pending: map[string]int64{}}
}

// Value devolve o valor confirmado do contador.
func (s *MemoryStore) Value(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[name]
}

func (s *MemoryStore) lockFor(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	return l
}

// MemoryTx implementa Counter para testes e ferramentas.
type MemoryTx struct {
	store   *MemoryStore
	pending map[string]int64
	closed  bool
}

func (t *MemoryTx) Increment(ctx context.Context, name string) (int64, error) {
	if t.closed {
		return 0, errTxClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if v, ok := t.pending[name]; ok {
		t.pending[name] = v + 1
		return v + 1, nil
	}

	t.store.lockFor(name).Lock()
	next := t.store.Value(name) + 1
	t.pending[name] = next
	return next, nil
}

// Commit publica os valores e libera os contadores.
func (t *MemoryTx) Commit() error {
	if t.closed {
		return errTxClosed
	}
	t.closed = true
	t.store.mu.Lock()
	for name, v := range t.pending {
		t.store.values[name] = v
	}
	t.store.mu.Unlock()
	t.release()
	return nil
}

// Rollback descarta os valores. Pode ser chamado após Commit.
func (t *MemoryTx) Rollback() {
	if t.closed {
		return
	}
	t.closed = true
	t.release()
}

func (t *MemoryTx) release() {
	for name := range t.pending {
		t.store.lockFor(name).Unlock()
	}
}
