package resource

import (
	"sort"
	"sync"

	"github.com/roach88/stale/internal/digest"
	"github.com/roach88/stale/internal/sqlitedb"
)

// Constructor builds a Resource from a normalised address and its locator.
type Constructor func(address, locator string) (Resource, error)

// Registry maps schemes to constructors.
//
// Thread-safety: Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	schemes map[string]Constructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemes: make(map[string]Constructor)}
}

// Options configures the schemes registered by DefaultRegistry.
type Options struct {
	// BaseDir anchors relative file:// and sqlite:// paths. Empty means the
	// process working directory.
	BaseDir string

	// SQLite is the connection pool shared with the sqlite processor.
	SQLite *sqlitedb.Pool

	// S3 configures the s3:// scheme.
	S3 S3Config

	// Redis configures the redis:// scheme.
	Redis RedisConfig
}

// DefaultRegistry returns a registry with every built-in scheme.
func DefaultRegistry(opts Options) *Registry {
	pool := opts.SQLite
	if pool == nil {
		pool = sqlitedb.NewPool()
	}
	s3c := NewS3Connector(opts.S3)
	redisc := NewRedisConnector(opts.Redis)

	r := NewRegistry()
	r.Register("file", func(address, locator string) (Resource, error) {
		return NewFile(address, locator, opts.BaseDir)
	})
	r.Register("sqlite", func(address, locator string) (Resource, error) {
		return NewSQLite(address, opts.BaseDir, pool)
	})
	r.Register("s3", func(address, locator string) (Resource, error) {
		return NewS3(address, locator, s3c)
	})
	r.Register("redis", func(address, locator string) (Resource, error) {
		return NewRedis(address, redisc)
	})
	return r
}

// Register adds or replaces the constructor for a scheme.
func (r *Registry) Register(scheme string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemes[scheme] = c
}

// Schemes returns the registered schemes in lexical order.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.schemes))
	for s := range r.schemes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Parse builds the Resource for an address.
//
// Fails with MALFORMED_ADDRESS if the address or its locator is invalid and
// with UNSUPPORTED_SCHEME if no constructor is registered for the scheme.
func (r *Registry) Parse(address string) (Resource, error) {
	address = digest.NormalizeAddress(address)
	scheme, locator, err := SplitAddress(address)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	ctor, ok := r.schemes[scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, &AddressError{
			Code:    ErrCodeUnsupportedScheme,
			Address: address,
			Message: "unknown resource type",
		}
	}
	return ctor(address, locator)
}
