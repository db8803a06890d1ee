package providers

import (
	"encoding/json"
	"fmt"

	"golang.org/x/oauth2/google"
)

// googleUserInfoURL is Google's OIDC userinfo endpoint.
const googleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

// Google creates a descriptor for Google OAuth sign-in.
// Default scopes request the OpenID profile and email.
func Google(cfg Config) (*Descriptor, error) {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"openid", "email", "profile"}
	}
	return NewDescriptor("google", "Google", cfg, google.Endpoint, googleUserInfoURL, normalizeGoogleProfile)
}

// normalizeGoogleProfile maps Google's userinfo payload to a Profile.
func normalizeGoogleProfile(raw []byte) (*Profile, error) {
	var payload struct {
		Sub           string `json:"sub"`
		Name          string `json:"name"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Picture       string `json:"picture"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode google profile: %w", err)
	}
	return &Profile{
		ID:            payload.Sub,
		Name:          payload.Name,
		Email:         payload.Email,
		EmailVerified: payload.EmailVerified,
		AvatarURL:     payload.Picture,
	}, nil
}
