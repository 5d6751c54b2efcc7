package source

import (
	"context"
	"errors"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/metagame-cli/internal/resilience"
)

// LoginFunc exchanges credentials for a session token.
type LoginFunc func(ctx context.Context) (string, error)

// Session holds the authentication state of one adapter instance. Callers
// sharing a Session share a single login.
type Session struct {
	name  string
	login LoginFunc

	mu    sync.Mutex
	token string
	gen   uint64
}

// NewSession creates a session that authenticates lazily with login.
func NewSession(name string, login LoginFunc) *Session {
	return &Session{name: name, login: login}
}

// Do runs fn with a valid token. When fn reports ErrAuthRequired the token
// is discarded and a single re-authentication is attempted; if fn fails
// with ErrAuthRequired again the result matches both ErrAuthRequired and
// ErrSourceFatal.
func (s *Session) Do(ctx context.Context, fn func(ctx context.Context, token string) error) error {
	token, gen, err := s.current(ctx, 0)
	if err != nil {
		return err
	}

	err = fn(ctx, token)
	if err == nil || !errors.Is(err, resilience.ErrAuthRequired) {
		return err
	}

	zap.L().Info("session expired, re-authenticating", zap.String("source", s.name))
	token, _, err = s.current(ctx, gen)
	if err != nil {
		return err
	}

	err = fn(ctx, token)
	if err != nil && errors.Is(err, resilience.ErrAuthRequired) {
		return resilience.FatalAuth(err)
	}
	return err
}

// current returns the cached token, logging in when none is cached or when
// the cached one belongs to the generation the caller saw fail.
func (s *Session) current(ctx context.Context, stale uint64) (string, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.gen != stale {
		return s.token, s.gen, nil
	}

	token, err := s.login(ctx)
	if err != nil {
		s.token = ""
		if errors.Is(err, resilience.ErrAuthRequired) {
			return "", s.gen, resilience.FatalAuth(err)
		}
		return "", s.gen, eris.Wrapf(err, "source: %s login", s.name)
	}
	if token == "" {
		return "", s.gen, resilience.FatalAuth(eris.Errorf("source: %s login returned empty token", s.name))
	}
	s.token = token
	s.gen++
	return s.token, s.gen, nil
}
