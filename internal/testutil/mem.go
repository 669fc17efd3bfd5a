// Package testutil provides in-memory resources, scriptable processors and a
// deterministic clock for tests.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/stale/internal/digest"
	"github.com/roach88/stale/internal/resource"
)

// MemScheme is the scheme served by MemStore.
const MemScheme = "mem"

// MemStore is an in-memory backend for mem:// resources.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type MemStore struct {
	mu      sync.Mutex
	values  map[string]string
	failing map[string]error
	removed []string
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{values: make(map[string]string), failing: make(map[string]error)}
}

// Set writes the content of address.
func (s *MemStore) Set(address, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[address] = content
}

// Get returns the content of address.
func (s *MemStore) Get(address string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[address]
	return v, ok
}

// Delete removes address without recording a Remove call.
func (s *MemStore) Delete(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, address)
}

// Fail makes every capability of address return err. A nil err clears it.
func (s *MemStore) Fail(address string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failing, address)
		return
	}
	s.failing[address] = err
}

// Removed returns the addresses removed through Resource.Remove, in order.
func (s *MemStore) Removed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.removed...)
}

// Addresses returns every address holding content, sorted.
func (s *MemStore) Addresses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.values))
	for a := range s.values {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Resource returns the mem:// resource for address.
func (s *MemStore) Resource(address string) *MemResource {
	return &MemResource{address: address, store: s}
}

// Register adds the mem scheme to reg.
func (s *MemStore) Register(reg *resource.Registry) {
	reg.Register(MemScheme, func(address, locator string) (resource.Resource, error) {
		return s.Resource(address), nil
	})
}

// Registry returns a registry holding the built-in schemes plus mem.
func (s *MemStore) Registry(baseDir string) *resource.Registry {
	reg := resource.DefaultRegistry(resource.Options{BaseDir: baseDir})
	s.Register(reg)
	return reg
}

// MemResource is a value in a MemStore.
type MemResource struct {
	address string
	store   *MemStore
}

func (r *MemResource) Address() string { return r.address }
func (r *MemResource) Scheme() string  { return MemScheme }

func (r *MemResource) Exists(ctx context.Context) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if err := r.store.failing[r.address]; err != nil {
		return false, err
	}
	_, ok := r.store.values[r.address]
	return ok, nil
}

func (r *MemResource) Signature(ctx context.Context) (string, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if err := r.store.failing[r.address]; err != nil {
		return "", err
	}
	v, ok := r.store.values[r.address]
	if !ok {
		return "", fmt.Errorf("signature of %s: %w", r.address, resource.ErrNotFound)
	}
	return digest.Bytes("stale/mem/v1", []byte(v)), nil
}

func (r *MemResource) Remove(ctx context.Context) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if err := r.store.failing[r.address]; err != nil {
		return err
	}
	if _, ok := r.store.values[r.address]; !ok {
		return fmt.Errorf("remove %s: %w", r.address, resource.ErrNotFound)
	}
	delete(r.store.values, r.address)
	r.store.removed = append(r.store.removed, r.address)
	return nil
}
