// Package valkey provides a Valkey-backed session store for multi-instance
// deployments. Records are stored as JSON values with a server-side TTL,
// so expiry is enforced by the database even if the process restarts.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/nextsession/authkit/session"
)

const (
	// DefaultKeyPrefix is the default prefix for all session keys
	DefaultKeyPrefix = "authkit:sess:"

	// connectionVerifyTimeout is the timeout for initial connection
	// verification
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey session store.
type Config struct {
	// Address is the Valkey server address (required), e.g. "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "authkit:sess:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger
	Logger *slog.Logger
}

// Store is a Valkey-backed session store.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

// Compile-time interface check
var _ session.Store = (*Store)(nil)

// New creates a new Valkey-backed session store. Returns an error if the
// connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: connect to valkey: %v", session.ErrUnavailable, err)
	}

	logger.Info("Connected to Valkey session store",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey session store connection closed")
}

func (s *Store) key(id string) string {
	return s.prefix + id
}

// Save persists the session with the given TTL.
func (s *Store) Save(ctx context.Context, sess *session.Session, ttl time.Duration) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("session id is required")
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	var cmd valkeygo.Completed
	if ttl > 0 {
		cmd = s.client.B().Set().Key(s.key(sess.ID)).Value(string(data)).
			Ex(ttl).Build()
	} else {
		cmd = s.client.B().Set().Key(s.key(sess.ID)).Value(string(data)).Build()
	}

	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("%w: save session: %v", session.ErrUnavailable, err)
	}
	return nil
}

// Get returns the session or (nil, nil) when absent or expired.
func (s *Store) Get(ctx context.Context, id string) (*session.Session, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(s.key(id)).Build())
	if err := resp.Error(); err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get session: %v", session.ErrUnavailable, err)
	}

	data, err := resp.AsBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: read session: %v", session.ErrUnavailable, err)
	}

	var sess session.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		// A corrupt record is unrecoverable; treat it as absent so the
		// caller issues a fresh anonymous session.
		s.logger.Warn("Dropping undecodable session record", "error", err)
		return nil, nil
	}
	return &sess, nil
}

// Delete removes the session. Missing ids are not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.key(id)).Build()).Error(); err != nil {
		return fmt.Errorf("%w: delete session: %v", session.ErrUnavailable, err)
	}
	return nil
}
