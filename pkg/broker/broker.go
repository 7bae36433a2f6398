package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNoBrokers is returned when no broker address was configured.
	ErrNoBrokers = errors.New("broker: no broker addresses configured")
	// ErrClosed is returned by Conn after Close.
	ErrClosed = errors.New("broker: connection manager closed")
)

// Options configures the shared broker connection. More than one address
// selects a cluster client.
type Options struct {
	Addrs           []string
	ClientID        string
	DialTimeout     time.Duration
	RequestTimeout  time.Duration
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	PoolSize        int
}

func (o Options) withDefaults() Options {
	if o.ClientID == "" {
		o.ClientID = "eventcast"
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 8
	}
	if o.MinRetryBackoff <= 0 {
		o.MinRetryBackoff = 100 * time.Millisecond
	}
	if o.MaxRetryBackoff <= 0 {
		o.MaxRetryBackoff = 30 * time.Second
	}
	if o.PoolSize <= 0 {
		o.PoolSize = 20
	}
	return o
}

// Manager owns the single broker connection of the process. Consumers and
// producers share it through Conn.
type Manager struct {
	opts Options

	mu     sync.Mutex
	conn   redis.UniversalClient
	closed bool
}

func NewManager(opts Options) *Manager {
	return &Manager{opts: opts.withDefaults()}
}

// Enabled reports whether any broker address is configured.
func (m *Manager) Enabled() bool {
	return len(m.opts.Addrs) > 0
}

// Conn returns the shared connection, building it on first use.
func (m *Manager) Conn() (redis.UniversalClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if m.conn != nil {
		return m.conn, nil
	}
	if len(m.opts.Addrs) == 0 {
		return nil, ErrNoBrokers
	}

	m.conn = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:           m.opts.Addrs,
		ClientName:      m.opts.ClientID,
		DialTimeout:     m.opts.DialTimeout,
		ReadTimeout:     m.opts.RequestTimeout,
		WriteTimeout:    m.opts.RequestTimeout,
		MaxRetries:      m.opts.MaxRetries,
		MinRetryBackoff: m.opts.MinRetryBackoff,
		MaxRetryBackoff: m.opts.MaxRetryBackoff,
		PoolSize:        m.opts.PoolSize,
	})
	return m.conn, nil
}

func (m *Manager) Ping(ctx context.Context) error {
	conn, err := m.Conn()
	if err != nil {
		return err
	}
	return conn.Ping(ctx).Err()
}

// Close closes the shared connection. Later Conn calls fail with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	return err
}
