package server

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v3"
	"golang.org/x/crypto/hkdf"
)

const sessionKeyInfo = "casbridge session cookie v1"

// Session is the per-browser state carried in the encrypted cookie.
type Session struct {
	State      string    `json:"state,omitempty"`
	ServiceURL string    `json:"service_url,omitempty"`
	Code       string    `json:"code,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeen   time.Time `json:"last_seen"`
}

// SessionManager stores sessions client side as a compact JWE (dir,
// A256GCM). The cookie is both confidential and tamper evident.
type SessionManager struct {
	name        string
	domain      string
	secure      bool
	absoluteTTL time.Duration
	idleTTL     time.Duration
	key         []byte
	logger      *slog.Logger
	now         func() time.Time
}

// NewSessionManager derives the cookie key from cfg.Secret.
func NewSessionManager(cfg SessionConfig, devMode bool, logger *slog.Logger) (*SessionManager, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("session secret is required")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(cfg.Secret), nil, []byte(sessionKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.CookieName
	if name == "" {
		name = DefaultSessionCookie
	}
	absolute, idle := cfg.AbsoluteTTL, cfg.IdleTTL
	if absolute <= 0 {
		absolute = DefaultSessionAbsoluteTTL
	}
	if idle <= 0 {
		idle = DefaultSessionIdleTTL
	}
	return &SessionManager{
		name:        name,
		domain:      cfg.CookieDomain,
		secure:      !devMode,
		absoluteTTL: absolute,
		idleTTL:     idle,
		key:         key,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// Load returns the request's session. Absent, undecryptable or expired
// cookies yield a fresh empty session.
func (sm *SessionManager) Load(r *http.Request) *Session {
	cookie, err := r.Cookie(sm.name)
	if err != nil || cookie.Value == "" {
		return &Session{}
	}
	sess, err := sm.decode(cookie.Value)
	if err != nil {
		sm.logger.Debug("discarding unreadable session cookie", "error", err)
		return &Session{}
	}
	now := sm.now()
	if now.Sub(sess.CreatedAt) > sm.absoluteTTL || now.Sub(sess.LastSeen) > sm.idleTTL {
		sm.logger.Debug("session expired", "created_at", sess.CreatedAt, "last_seen", sess.LastSeen)
		return &Session{}
	}
	return sess
}

// Save writes sess to the response, refreshing its idle deadline.
func (sm *SessionManager) Save(w http.ResponseWriter, sess *Session) error {
	now := sm.now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.LastSeen = now

	value, err := sm.encode(sess)
	if err != nil {
		return err
	}
	remaining := sess.CreatedAt.Add(sm.absoluteTTL).Sub(now)
	http.SetCookie(w, &http.Cookie{
		Name:     sm.name,
		Value:    value,
		Path:     "/",
		Domain:   sm.domain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   max(int(remaining.Seconds()), 1),
	})
	return nil
}

// Destroy removes the session cookie.
func (sm *SessionManager) Destroy(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sm.name,
		Value:    "",
		Path:     "/",
		Domain:   sm.domain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func (sm *SessionManager) encode(sess *Session) (string, error) {
	payload, err := json.Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}
	enc, err := jose.NewEncrypter(jose.A256GCM, jose.Recipient{Algorithm: jose.DIRECT, Key: sm.key}, nil)
	if err != nil {
		return "", fmt.Errorf("session encrypter: %w", err)
	}
	obj, err := enc.Encrypt(payload)
	if err != nil {
		return "", fmt.Errorf("encrypt session: %w", err)
	}
	return obj.CompactSerialize()
}

func (sm *SessionManager) decode(value string) (*Session, error) {
	obj, err := jose.ParseEncrypted(value)
	if err != nil {
		return nil, fmt.Errorf("parse session: %w", err)
	}
	if obj.Header.Algorithm != string(jose.DIRECT) {
		return nil, fmt.Errorf("unexpected session key algorithm %q", obj.Header.Algorithm)
	}
	payload, err := obj.Decrypt(sm.key)
	if err != nil {
		return nil, fmt.Errorf("decrypt session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}
