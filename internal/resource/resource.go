// Package resource models the artifacts a workflow reads and produces.
//
// A resource is identified by an address of the form "<scheme>://<locator>".
// The engine only ever talks to resources through the Resource interface;
// the scheme is consulted exactly once, by the Registry, to pick the
// constructor.
//
// Supported schemes:
//   - file://<path>                          local file or directory
//   - sqlite://<database>/<table>[?col=val]  table or partition of a SQLite database
//   - s3://<bucket>/<key>                    object in an S3-compatible store
//   - redis://<host:port>/<key>[?db=N]       key in a Redis server
package resource

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Resource is the capability set every scheme implements.
type Resource interface {
	// Address returns the normalised address the resource was built from.
	Address() string

	// Scheme returns the scheme part of the address ("file", "sqlite", ...).
	Scheme() string

	// Exists reports whether the referent currently exists. "Does not exist"
	// is (false, nil); an error means the backend could not be asked.
	Exists(ctx context.Context) (bool, error)

	// Signature returns a digest that changes if and only if the referent's
	// observable content changes. Returns an error wrapping ErrNotFound when
	// the referent does not exist.
	Signature(ctx context.Context) (string, error)

	// Remove deletes the referent. Returns an error wrapping ErrNotFound when
	// there was nothing to remove.
	Remove(ctx context.Context) error
}

// Database is implemented by resources that live in a SQL database. The
// sqlite processor uses it to find the connection a process runs against.
type Database interface {
	Resource

	// DatabasePath returns the database file the resource lives in.
	DatabasePath() string
}

var (
	// ErrNotFound reports that the referent does not exist.
	ErrNotFound = errors.New("resource does not exist")

	// ErrUnavailable reports that the backend holding a resource could not be
	// reached. It is fatal to a run.
	ErrUnavailable = errors.New("environment unavailable")
)

// ErrorCode categorises address errors.
type ErrorCode string

const (
	// ErrCodeMalformedAddress indicates the locator is invalid for its scheme.
	ErrCodeMalformedAddress ErrorCode = "MALFORMED_ADDRESS"

	// ErrCodeUnsupportedScheme indicates no constructor is registered for the scheme.
	ErrCodeUnsupportedScheme ErrorCode = "UNSUPPORTED_SCHEME"
)

// AddressError is returned when an address cannot be turned into a Resource.
// The literal address is always quoted in the message.
type AddressError struct {
	Code    ErrorCode
	Address string
	Message string
}

// Error implements the error interface.
func (e *AddressError) Error() string {
	return fmt.Sprintf("%s: %s '%s'", e.Code, e.Message, e.Address)
}

// Malformed creates a MALFORMED_ADDRESS error.
func Malformed(address, format string, args ...any) *AddressError {
	return &AddressError{
		Code:    ErrCodeMalformedAddress,
		Address: address,
		Message: fmt.Sprintf(format, args...),
	}
}

// Is matches any *AddressError with the same code.
func (e *AddressError) Is(target error) bool {
	t, ok := target.(*AddressError)
	return ok && t.Code == e.Code
}

// IsMalformedAddress reports whether err, or any error it wraps or joins, is
// a MALFORMED_ADDRESS error.
func IsMalformedAddress(err error) bool {
	return errors.Is(err, &AddressError{Code: ErrCodeMalformedAddress})
}

// IsUnsupportedScheme reports whether err, or any error it wraps or joins, is
// an UNSUPPORTED_SCHEME error.
func IsUnsupportedScheme(err error) bool {
	return errors.Is(err, &AddressError{Code: ErrCodeUnsupportedScheme})
}

// Unavailable wraps a backend failure as ErrUnavailable.
func Unavailable(address string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, address, err)
}

// SplitAddress splits an address into scheme and locator.
func SplitAddress(address string) (scheme, locator string, err error) {
	scheme, locator, ok := strings.Cut(address, "://")
	if !ok || scheme == "" {
		return "", "", Malformed(address, "address has no scheme")
	}
	for _, r := range scheme {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.') {
			return "", "", Malformed(address, "invalid scheme %q in", scheme)
		}
	}
	if locator == "" {
		return "", "", Malformed(address, "empty locator in")
	}
	return strings.ToLower(scheme), locator, nil
}
