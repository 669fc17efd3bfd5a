package resource

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/stale/internal/digest"
)

// RedisConfig holds settings shared by every redis:// address.
type RedisConfig struct {
	Password string `yaml:"password"`

	// DB is the database used when an address has no ?db= parameter.
	DB int `yaml:"db"`
}

// RedisAPI is the subset of *redis.Client the redis scheme uses.
type RedisAPI interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Dump(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisConnector caches one client per server and database.
//
// Thread-safety: RedisConnector is safe for concurrent use.
type RedisConnector struct {
	cfg     RedisConfig
	mu      sync.Mutex
	clients map[string]RedisAPI
	dial    func(addr string, db int) RedisAPI
}

// NewRedisConnector creates a connector that dials real servers.
func NewRedisConnector(cfg RedisConfig) *RedisConnector {
	c := &RedisConnector{cfg: cfg, clients: make(map[string]RedisAPI)}
	c.dial = func(addr string, db int) RedisAPI {
		return redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Password,
			DB:       db,
		})
	}
	return c
}

// NewRedisConnectorWithDialer creates a connector that builds clients with
// dial. Used to substitute fakes.
func NewRedisConnectorWithDialer(cfg RedisConfig, dial func(addr string, db int) RedisAPI) *RedisConnector {
	return &RedisConnector{cfg: cfg, clients: make(map[string]RedisAPI), dial: dial}
}

// Client returns the cached client for addr and db.
func (c *RedisConnector) Client(addr string, db int) RedisAPI {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := addr + "/" + strconv.Itoa(db)
	if cl, ok := c.clients[k]; ok {
		return cl
	}
	cl := c.dial(addr, db)
	c.clients[k] = cl
	return cl
}

// Close closes every client that supports it.
func (c *RedisConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for k, cl := range c.clients {
		if closer, ok := cl.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		delete(c.clients, k)
	}
	return errors.Join(errs...)
}

// Redis is a single key on a Redis server.
type Redis struct {
	address string
	host    string
	key     string
	db      int
	conn    *RedisConnector
}

// NewRedis parses redis://<host:port>/<key>[?db=N].
func NewRedis(address string, conn *RedisConnector) (*Redis, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, Malformed(address, "malformed Redis address")
	}
	if u.Host == "" {
		return nil, Malformed(address, "Redis address needs a host in")
	}
	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return nil, Malformed(address, "Redis address needs a key in")
	}

	db := conn.cfg.DB
	q := u.Query()
	for name, values := range q {
		if name != "db" {
			return nil, Malformed(address, "unknown parameter %q in Redis address", name)
		}
		if len(values) != 1 {
			return nil, Malformed(address, "too many values for %q in Redis address", name)
		}
		db, err = strconv.Atoi(values[0])
		if err != nil || db < 0 {
			return nil, Malformed(address, "invalid database %q in Redis address", values[0])
		}
	}

	host := u.Host
	if u.Port() == "" {
		host += ":6379"
	}
	return &Redis{address: address, host: host, key: key, db: db, conn: conn}, nil
}

func (r *Redis) Address() string { return r.address }
func (r *Redis) Scheme() string  { return "redis" }

// Key returns the Redis key.
func (r *Redis) Key() string { return r.key }

// DB returns the database number.
func (r *Redis) DB() int { return r.db }

func (r *Redis) client() RedisAPI {
	return r.conn.Client(r.host, r.db)
}

func (r *Redis) Exists(ctx context.Context) (bool, error) {
	n, err := r.client().Exists(ctx, r.key).Result()
	if err != nil {
		return false, Unavailable(r.address, err)
	}
	return n > 0, nil
}

// Signature digests the DUMP serialisation of the value, which covers type
// and content.
func (r *Redis) Signature(ctx context.Context) (string, error) {
	dump, err := r.client().Dump(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("signature of %s: %w", r.address, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("signature of %s: %w", r.address, Unavailable(r.address, err))
	}
	return digest.Bytes(digest.DomainKeyValue, []byte(dump)), nil
}

func (r *Redis) Remove(ctx context.Context) error {
	n, err := r.client().Del(ctx, r.key).Result()
	if err != nil {
		return fmt.Errorf("remove %s: %w", r.address, Unavailable(r.address, err))
	}
	if n == 0 {
		return fmt.Errorf("remove %s: %w", r.address, ErrNotFound)
	}
	return nil
}
