// Package token supplies the session credential sent with catalog listing requests.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/coverwatch/internal/catalog"
)

// ErrEmptyToken is returned when the origin hands back a blank credential.
var ErrEmptyToken = errors.New("empty session token")

// Static returns a fixed token.
type Static string

// Token implements catalog.TokenSource.
func (s Static) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", ErrEmptyToken
	}
	return string(s), nil
}

// RemoteConfig describes the nonce endpoint.
type RemoteConfig struct {
	URL   string
	Field string
	TTL   time.Duration
}

// Remote fetches the token from a JSON endpoint and caches it for TTL.
type Remote struct {
	fetcher catalog.Fetcher
	clock   catalog.Clock
	cfg     RemoteConfig

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewRemote builds a Remote token source.
func NewRemote(fetcher catalog.Fetcher, clock catalog.Clock, cfg RemoteConfig) (*Remote, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("token url is required")
	}
	if cfg.Field == "" {
		cfg.Field = "nonce"
	}
	return &Remote{fetcher: fetcher, clock: clock, cfg: cfg}, nil
}

// Token returns the cached token or fetches a fresh one.
func (r *Remote) Token(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if r.token != "" && (r.cfg.TTL <= 0 || now.Before(r.expires)) {
		return r.token, nil
	}
	resp, err := r.fetcher.Fetch(ctx, catalog.FetchRequest{URL: r.cfg.URL})
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	if !resp.OK() {
		return "", fmt.Errorf("fetch token: unexpected status %d", resp.StatusCode)
	}
	var payload map[string]any
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	value, _ := payload[r.cfg.Field].(string)
	if strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("field %q: %w", r.cfg.Field, ErrEmptyToken)
	}
	r.token = value
	r.expires = now.Add(r.cfg.TTL)
	return r.token, nil
}

func (r *Remote) now() time.Time {
	if r.clock == nil {
		return time.Now()
	}
	return r.clock.Now()
}
