package storage

import (
	"context"
	"sync"
)

// Noop é o backend padrão quando STORAGE_PROVIDER não está definido.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, error) { return nil, ErrNotConfigured }

func (Noop) Put(context.Context, Object) (*PutResult, error) { return nil, ErrNotConfigured }

// Memory guarda objetos em memória, para testes.
type Memory struct {
	mu      sync.Mutex
	objects map[string]Object
	puts    int
}

func NewMemory() *Memory {
	return &Memory{objects: map[string]Object{}}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), obj.Body...), nil
}

func (m *Memory) Put(_ context.Context, obj Object) (*PutResult, error) {
	if err := validateObject(obj); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj.Body = append([]byte(nil), obj.Body...)
	obj.ContentType = contentType(obj)
	m.objects[obj.Key] = obj
	m.puts++
	return &PutResult{URL: "mem://" + obj.Key}, nil
}

// Puts conta as gravações feitas.
func (m *Memory) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

// Object devolve o objeto gravado com seus metadados.
func (m *Memory) Object(key string) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	return obj, ok
}
