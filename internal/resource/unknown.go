package resource

import (
	"context"
	"fmt"
)

// Unknown stands in for a well-formed address whose scheme has no
// constructor. It never exists, so a process reading it is unsatisfiable
// and a process writing it always reruns.
type Unknown struct {
	address string
	scheme  string
}

// NewUnknown creates a stub for address.
func NewUnknown(address string) *Unknown {
	scheme, _, _ := SplitAddress(address)
	return &Unknown{address: address, scheme: scheme}
}

func (u *Unknown) Address() string { return u.address }
func (u *Unknown) Scheme() string  { return u.scheme }

func (u *Unknown) Exists(ctx context.Context) (bool, error) { return false, nil }

func (u *Unknown) Signature(ctx context.Context) (string, error) {
	return "", fmt.Errorf("signature of %s: unknown resource type: %w", u.address, ErrNotFound)
}

func (u *Unknown) Remove(ctx context.Context) error {
	return fmt.Errorf("remove %s: unknown resource type: %w", u.address, ErrNotFound)
}

// IsUnknown reports whether r is an unknown-scheme stub.
func IsUnknown(r Resource) bool {
	_, ok := r.(*Unknown)
	return ok
}
