// Package providers defines OAuth provider descriptors and the registry
// built from configuration. A descriptor carries client credentials,
// requested scopes, and a pure normalizer mapping the provider's raw
// profile payload into {id, name, email}. Descriptors are immutable after
// registry construction.
package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"golang.org/x/oauth2"
)

// ErrUnknownProvider is returned by Registry.Get for unregistered names.
// This is a configuration bug: registry contents are fixed at startup, so
// callers should treat it as fatal during validation rather than handle it
// per request.
var ErrUnknownProvider = errors.New("providers: unknown provider")

// maxProfileBodySize bounds userinfo responses to prevent memory
// exhaustion from a misbehaving provider.
const maxProfileBodySize = 1 << 20

// Profile is a provider profile normalized into the subsystem's shape.
type Profile struct {
	// ID is the provider-specific account identifier
	ID string

	// Name is the display name reported by the provider
	Name string

	// Email is the account email, empty if the provider withholds it
	Email string

	// EmailVerified indicates the provider vouches for the email
	EmailVerified bool

	// AvatarURL is an optional profile picture
	AvatarURL string
}

// Normalizer maps a provider's raw profile payload to a Profile.
// It must be pure: no I/O, no retained references to raw.
type Normalizer func(raw []byte) (*Profile, error)

// Config holds the credentials and options common to all descriptors.
type Config struct {
	// ClientID is the OAuth client ID (required)
	ClientID string

	// ClientSecret is the OAuth client secret (required)
	ClientSecret string

	// RedirectURL is where the provider redirects after authentication
	RedirectURL string

	// Scopes overrides the provider's default scopes when non-empty
	Scopes []string

	// HTTPClient is an optional custom HTTP client for token exchange and
	// profile fetches
	HTTPClient *http.Client
}

// Descriptor describes one OAuth provider. Construct with the
// provider-specific constructors (Google, GitHub) or NewDescriptor for
// custom endpoints.
type Descriptor struct {
	name        string
	displayName string
	oauth       *oauth2.Config
	userInfoURL string
	normalize   Normalizer
	httpClient  *http.Client
}

// NewDescriptor creates a descriptor for a custom provider.
func NewDescriptor(name, displayName string, cfg Config, endpoint oauth2.Endpoint, userInfoURL string, normalize Normalizer) (*Descriptor, error) {
	if name == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("provider %s: client ID is required", name)
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("provider %s: client secret is required", name)
	}
	if normalize == nil {
		return nil, fmt.Errorf("provider %s: normalizer is required", name)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Descriptor{
		name:        name,
		displayName: displayName,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint:     endpoint,
		},
		userInfoURL: userInfoURL,
		normalize:   normalize,
		httpClient:  httpClient,
	}, nil
}

// Name returns the provider's unique registry key (e.g. "google").
func (d *Descriptor) Name() string {
	return d.name
}

// DisplayName returns the human-readable name for sign-in buttons.
func (d *Descriptor) DisplayName() string {
	return d.displayName
}

// Scopes returns the scopes requested during authorization.
func (d *Descriptor) Scopes() []string {
	out := make([]string, len(d.oauth.Scopes))
	copy(out, d.oauth.Scopes)
	return out
}

// AuthorizationURL generates the URL to redirect users for authentication.
func (d *Descriptor) AuthorizationURL(state string) string {
	return d.oauth.AuthCodeURL(state)
}

// Exchange exchanges an authorization code for tokens.
func (d *Descriptor) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, d.httpClient)
	token, err := d.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code with %s: %w", d.name, err)
	}
	return token, nil
}

// FetchProfile calls the provider's userinfo endpoint with the token and
// returns the normalized profile.
func (d *Descriptor) FetchProfile(ctx context.Context, token *oauth2.Token) (*Profile, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, d.httpClient)
	client := d.oauth.Client(ctx, token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build userinfo request for %s: %w", d.name, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch profile from %s: %w", d.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request to %s failed with status %d", d.name, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBodySize))
	if err != nil {
		return nil, fmt.Errorf("read profile from %s: %w", d.name, err)
	}

	profile, err := d.normalize(raw)
	if err != nil {
		return nil, fmt.Errorf("normalize %s profile: %w", d.name, err)
	}
	if profile.ID == "" {
		return nil, fmt.Errorf("%s profile has no account id", d.name)
	}
	return profile, nil
}

// Normalize applies the descriptor's normalizer to a raw payload. Exposed
// so callers can normalize payloads obtained out of band (tests, replays).
func (d *Descriptor) Normalize(raw []byte) (*Profile, error) {
	return d.normalize(raw)
}

// Registry holds the configured provider descriptors. It is stateless and
// read-only after construction, safe for concurrent use.
type Registry struct {
	byName map[string]*Descriptor
	names  []string
}

// NewRegistry builds a registry from descriptors. Duplicate names are a
// configuration error.
func NewRegistry(descs ...*Descriptor) (*Registry, error) {
	byName := make(map[string]*Descriptor, len(descs))
	names := make([]string, 0, len(descs))
	for _, d := range descs {
		if d == nil {
			continue
		}
		if _, dup := byName[d.name]; dup {
			return nil, fmt.Errorf("duplicate provider %q", d.name)
		}
		byName[d.name] = d
		names = append(names, d.name)
	}
	sort.Strings(names)
	return &Registry{byName: byName, names: names}, nil
}

// List returns all descriptors sorted by name, for rendering sign-in
// buttons.
func (r *Registry) List() []*Descriptor {
	out := make([]*Descriptor, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.byName[name])
	}
	return out
}

// Get returns the descriptor for name, or ErrUnknownProvider.
func (r *Registry) Get(name string) (*Descriptor, error) {
	d, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return d, nil
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	return len(r.byName)
}
