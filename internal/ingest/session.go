package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// TokenPath is where the current cloud session token is mirrored.
const TokenPath = "info.jwt"

const (
	loginPath   = "/api/authentication/log-in"
	maxRelogins = 2
)

// TokenSink receives every token obtained by a login.
type TokenSink func(ctx context.Context, token string)

// Session authenticates against the v2 cloud and signs requests with the
// resulting bearer token.
type Session struct {
	client  *http.Client
	baseURL string
	email   string
	ccu     string
	sink    TokenSink
	logger  *slog.Logger

	mu    sync.Mutex
	token string
}

func NewSession(client *http.Client, baseURL, email, ccu string, sink TokenSink, logger *slog.Logger) *Session {
	return &Session{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		email:   email,
		ccu:     ccu,
		sink:    sink,
		logger:  logger,
	}
}

// SetToken seeds the session with a token obtained earlier.
func (s *Session) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

type loginResponse struct {
	Response bool   `json:"response"`
	JWT      string `json:"jwt"`
}

// Login obtains a fresh token.
func (s *Session) Login(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{"email": s.email, "ccu": s.ccu})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+loginPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("login: %w", ErrUnauthorized)
	}
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("login: unexpected status %s", resp.Status)
	}
	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", fmt.Errorf("login: decode: %w", err)
	}
	if !lr.Response || lr.JWT == "" {
		return "", fmt.Errorf("login: %w", ErrUnauthorized)
	}

	s.SetToken(lr.JWT)
	s.logger.Info("cloud_login_ok", "ccu", s.ccu)
	if s.sink != nil {
		s.sink(ctx, lr.JWT)
	}
	return lr.JWT, nil
}

// Do performs an authenticated request against the cloud and decodes a JSON
// answer into out when it is non-nil. A 401 triggers a new login, at most
// twice per call, before ErrUnauthorized is returned.
func (s *Session) Do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = b
	}

	for relogins := 0; ; relogins++ {
		token := s.Token()
		if token == "" {
			t, err := s.Login(ctx)
			if err != nil {
				return err
			}
			token = t
		}

		status, body, err := s.send(ctx, method, path, payload, token)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized {
			s.SetToken("")
			if relogins >= maxRelogins {
				return fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
			}
			s.logger.Warn("cloud_token_rejected", "path", path, "attempt", relogins+1)
			continue
		}
		if status/100 != 2 {
			return &StatusError{Code: status, Path: path}
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("%s %s: %w: %v", method, path, ErrMalformed, err)
		}
		return nil
	}
}

func (s *Session) send(ctx context.Context, method, path string, payload []byte, token string) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	return resp.StatusCode, b, nil
}

// ErrMalformed marks an answer that is not the expected JSON document.
var ErrMalformed = errors.New("malformed response")

// StatusError is a non-2xx cloud answer other than 401.
type StatusError struct {
	Code int
	Path string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Path, e.Code)
}
