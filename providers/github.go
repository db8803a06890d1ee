package providers

import (
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/oauth2/github"
)

// githubUserInfoURL is GitHub's authenticated user endpoint.
const githubUserInfoURL = "https://api.github.com/user"

// GitHub creates a descriptor for GitHub OAuth sign-in.
// Default scopes request the profile and email addresses.
func GitHub(cfg Config) (*Descriptor, error) {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"read:user", "user:email"}
	}
	return NewDescriptor("github", "GitHub", cfg, github.Endpoint, githubUserInfoURL, normalizeGitHubProfile)
}

// normalizeGitHubProfile maps GitHub's user payload to a Profile.
// GitHub reports numeric account ids and may withhold the email when the
// user marks it private; the login stands in for a missing display name.
func normalizeGitHubProfile(raw []byte) (*Profile, error) {
	var payload struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode github profile: %w", err)
	}
	if payload.ID == 0 {
		return nil, fmt.Errorf("github profile missing account id")
	}

	name := payload.Name
	if name == "" {
		name = payload.Login
	}

	return &Profile{
		ID:        strconv.FormatInt(payload.ID, 10),
		Name:      name,
		Email:     payload.Email,
		AvatarURL: payload.AvatarURL,
	}, nil
}
