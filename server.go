package authkit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextsession/authkit/instrumentation"
	"github.com/nextsession/authkit/providers"
	"github.com/nextsession/authkit/security"
	"github.com/nextsession/authkit/session"
	"github.com/nextsession/authkit/userstore"
	"github.com/nextsession/authkit/verification"
)

// ServerConfig wires the subsystem's collaborators. Only the user store
// adapter and session store are required; everything else has a working
// default.
type ServerConfig struct {
	// Config is the subsystem configuration (validated by NewServer)
	Config Config

	// Users is the user store adapter (required)
	Users userstore.Adapter

	// Sessions is the session store backend (required)
	Sessions session.Store

	// Codec converts session ids to and from cookie values. Defaults to
	// an HMAC-signed codec keyed by Config.SessionSecret.
	Codec session.Codec

	// Verifications stores pending email sign-ins. Defaults to an
	// in-memory store.
	Verifications verification.Store

	// Mailer delivers email sign-in links. Defaults to a logging mailer
	// suitable only for development.
	Mailer Mailer

	// Instrumentation provides OpenTelemetry metrics and tracing.
	// Defaults to a disabled (no-op) instance.
	Instrumentation *instrumentation.Instrumentation
}

// Server orchestrates the identity subsystem: it owns the provider
// registry, the session manager, and the sign-in flows, and serves the
// HTTP surface via Routes.
type Server struct {
	config   Config
	logger   *slog.Logger
	registry *providers.Registry
	users    userstore.Adapter
	sessions *session.Manager
	verifier *verification.Issuer
	mailer   Mailer

	auditor   *security.Auditor
	limiter   *security.RateLimiter
	encryptor *security.Encryptor

	inst *instrumentation.Instrumentation
}

// encryptable is implemented by user store backends that support provider
// token encryption at rest.
type encryptable interface {
	SetEncryptor(enc *security.Encryptor)
}

// sized is implemented by memory-backed stores that can report their size
// for gauge callbacks.
type sized interface {
	Len() int
}

// NewServer validates the configuration, builds the provider registry,
// and wires the session manager and sign-in flows.
func NewServer(sc ServerConfig) (*Server, error) {
	cfg := sc.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if sc.Users == nil {
		return nil, fmt.Errorf("user store adapter is required")
	}
	if sc.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry, err := cfg.BuildRegistry()
	if err != nil {
		return nil, fmt.Errorf("build provider registry: %w", err)
	}
	if registry.Len() == 0 {
		logger.Warn("No OAuth providers configured, only email sign-in is available")
	}

	codec := sc.Codec
	if codec == nil {
		codec, err = session.NewHMACCodec([]byte(cfg.SessionSecret))
		if err != nil {
			return nil, fmt.Errorf("create session codec: %w", err)
		}
	}

	auditor := security.NewAuditor(logger, cfg.EnableAuditLogging)

	inst := sc.Instrumentation
	if inst == nil {
		inst, err = instrumentation.New(instrumentation.Config{Enabled: false})
		if err != nil {
			return nil, fmt.Errorf("create instrumentation: %w", err)
		}
	}

	users := newInstrumentedUsers(sc.Users, inst)

	manager, err := session.NewManager(session.Config{
		Store:            sc.Sessions,
		Users:            users,
		Codec:            codec,
		MaxAge:           cfg.SessionMaxAge,
		AlwaysRevalidate: cfg.AlwaysRevalidate,
		RevalidateAge:    cfg.SessionRevalidateAge,
		Logger:           logger,
		Auditor:          auditor,
		Metrics:          inst.Metrics(),
	})
	if err != nil {
		return nil, fmt.Errorf("create session manager: %w", err)
	}

	verifications := sc.Verifications
	if verifications == nil {
		verifications = verification.NewMemoryStore()
	}
	verifier, err := verification.NewIssuer(verifications, 0, logger)
	if err != nil {
		return nil, fmt.Errorf("create verification issuer: %w", err)
	}

	mailer := sc.Mailer
	if mailer == nil {
		mailer = &logMailer{logger: logger}
		logger.Warn("No mailer configured, email sign-in links will only be logged")
	}

	s := &Server{
		config:   cfg,
		logger:   logger,
		registry: registry,
		users:    users,
		sessions: manager,
		verifier: verifier,
		mailer:   mailer,
		auditor:  auditor,
		inst:     inst,
	}

	if len(cfg.EncryptionKey) > 0 {
		s.encryptor, err = security.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("create encryptor: %w", err)
		}
		if enc, ok := sc.Users.(encryptable); ok {
			enc.SetEncryptor(s.encryptor)
		} else {
			logger.Warn("Encryption key set but user store does not support encryption at rest")
		}
	}

	if cfg.RateLimit.Rate > 0 {
		s.limiter = security.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst, logger)
	}

	s.registerSizeCallbacks(sc)

	logger.Info("Identity subsystem initialized",
		"providers", registry.Len(),
		"session_max_age", cfg.SessionMaxAge,
		"always_revalidate", cfg.AlwaysRevalidate)

	return s, nil
}

// registerSizeCallbacks wires store size gauges when the backends can
// report a count.
func (s *Server) registerSizeCallbacks(sc ServerConfig) {
	var sessionCount, userCount instrumentation.SizeCallback
	if st, ok := sc.Sessions.(sized); ok {
		sessionCount = func() int64 { return int64(st.Len()) }
	}
	if st, ok := sc.Users.(sized); ok {
		userCount = func() int64 { return int64(st.Len()) }
	}
	if sessionCount == nil && userCount == nil {
		return
	}
	if err := s.inst.RegisterSizeCallbacks(sessionCount, userCount); err != nil {
		s.logger.Warn("Failed to register store size gauges", "error", err)
	}
}

// Registry returns the provider registry.
func (s *Server) Registry() *providers.Registry {
	return s.registry
}

// Sessions returns the session manager for embedding applications that
// need direct access.
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}

// Shutdown releases background resources.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	return s.inst.Shutdown(ctx)
}

// logMailer logs email sign-in links instead of delivering them. Only for
// development.
type logMailer struct {
	logger *slog.Logger
}

func (m *logMailer) SendSignInLink(_ context.Context, email, url string) error {
	m.logger.Info("Email sign-in link issued", "email", email, "url", url)
	return nil
}
