package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newSessionManager(t *testing.T, mutate ...func(*SessionConfig)) (*SessionManager, *fakeClock) {
	t.Helper()
	cfg := SessionConfig{
		Secret:      "0123456789abcdef0123456789abcdef",
		CookieName:  DefaultSessionCookie,
		AbsoluteTTL: time.Hour,
		IdleTTL:     10 * time.Minute,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	sm, err := NewSessionManager(cfg, true, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	sm.now = clock.Now
	return sm, clock
}

// roundTrip saves sess and returns a request carrying the resulting cookie.
func roundTrip(t *testing.T, sm *SessionManager, sess *Session) (*http.Request, *http.Cookie) {
	t.Helper()
	rec := httptest.NewRecorder()
	require.NoError(t, sm.Save(rec, sess))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)

	req := httptest.NewRequest(http.MethodGet, "/callback", nil)
	req.AddCookie(cookies[0])
	return req, cookies[0]
}

func TestSessionRoundTrip(t *testing.T) {
	sm, _ := newSessionManager(t)
	sess := &Session{}
	sess.BeginLogin("state-1", "https://example.com/app1/")

	req, cookie := roundTrip(t, sm, sess)
	assert.Equal(t, DefaultSessionCookie, cookie.Name)
	assert.True(t, cookie.HttpOnly)
	assert.False(t, cookie.Secure)
	assert.Equal(t, 3600, cookie.MaxAge)
	assert.NotContains(t, cookie.Value, "state-1")

	loaded := sm.Load(req)
	assert.Equal(t, "state-1", loaded.State)
	assert.Equal(t, "https://example.com/app1/", loaded.ServiceURL)
	assert.Equal(t, StateAwaitingCallback, loaded.FlowState())
}

func TestSessionCookieIsSecureOutsideDevMode(t *testing.T) {
	sm, err := NewSessionManager(SessionConfig{Secret: "0123456789abcdef", CookieDomain: "cas.example.net"}, false, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	require.NoError(t, sm.Save(rec, &Session{}))
	cookie := rec.Result().Cookies()[0]
	assert.True(t, cookie.Secure)
	assert.Equal(t, "cas.example.net", cookie.Domain)
	assert.Equal(t, int(DefaultSessionAbsoluteTTL.Seconds()), cookie.MaxAge)
}

func TestSessionExpiry(t *testing.T) {
	t.Run("idle", func(t *testing.T) {
		sm, clock := newSessionManager(t)
		sess := &Session{}
		sess.BeginLogin("s", "https://example.com/")
		req, _ := roundTrip(t, sm, sess)

		clock.Advance(9 * time.Minute)
		assert.Equal(t, "s", sm.Load(req).State)

		clock.Advance(2 * time.Minute)
		assert.Equal(t, StateNew, sm.Load(req).FlowState())
	})

	t.Run("activity extends idle deadline", func(t *testing.T) {
		sm, clock := newSessionManager(t)
		sess := &Session{}
		sess.BeginLogin("s", "https://example.com/")
		req, _ := roundTrip(t, sm, sess)

		for i := 0; i < 3; i++ {
			clock.Advance(8 * time.Minute)
			loaded := sm.Load(req)
			require.Equal(t, "s", loaded.State)
			req, _ = roundTrip(t, sm, loaded)
		}
	})

	t.Run("absolute", func(t *testing.T) {
		sm, clock := newSessionManager(t)
		sess := &Session{}
		sess.BeginLogin("s", "https://example.com/")
		req, _ := roundTrip(t, sm, sess)

		for i := 0; i < 6; i++ {
			clock.Advance(9 * time.Minute)
			loaded := sm.Load(req)
			require.Equal(t, "s", loaded.State)
			req, _ = roundTrip(t, sm, loaded)
		}
		clock.Advance(7 * time.Minute)
		assert.Equal(t, StateNew, sm.Load(req).FlowState())
	})
}

func TestSessionLoadIgnoresForeignCookies(t *testing.T) {
	sm, _ := newSessionManager(t)
	other, _ := newSessionManager(t, func(c *SessionConfig) { c.Secret = "a-completely-different-secret" })

	sess := &Session{}
	sess.BeginLogin("s", "https://example.com/")
	req, _ := roundTrip(t, other, sess)
	assert.Equal(t, StateNew, sm.Load(req).FlowState())

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: DefaultSessionCookie, Value: "not-a-jwe"})
	assert.Equal(t, StateNew, sm.Load(req).FlowState())

	assert.Equal(t, StateNew, sm.Load(httptest.NewRequest(http.MethodGet, "/", nil)).FlowState())
}

func TestSessionDestroy(t *testing.T) {
	sm, _ := newSessionManager(t)
	rec := httptest.NewRecorder()
	sm.Destroy(rec)

	cookie := rec.Result().Cookies()[0]
	assert.Equal(t, DefaultSessionCookie, cookie.Name)
	assert.Empty(t, cookie.Value)
	assert.Equal(t, -1, cookie.MaxAge)
}

func TestNewSessionManagerRequiresSecret(t *testing.T) {
	_, err := NewSessionManager(SessionConfig{}, true, nil)
	require.Error(t, err)
}

func TestFlowStateTransitions(t *testing.T) {
	sess := &Session{}
	assert.Equal(t, StateNew, sess.FlowState())
	require.ErrorIs(t, sess.CompleteCallback("", "code"), ErrStateMismatch)

	sess.BeginLogin("state-1", "https://example.com/app1/")
	assert.Equal(t, StateAwaitingCallback, sess.FlowState())

	require.ErrorIs(t, sess.CompleteCallback("state-2", "code"), ErrStateMismatch)
	assert.Equal(t, StateAwaitingCallback, sess.FlowState())

	require.NoError(t, sess.CompleteCallback("state-1", "code"))
	assert.Equal(t, StateTicketIssued, sess.FlowState())
	assert.Equal(t, "code", sess.Code)

	// a new login forgets the ticket
	sess.BeginLogin("state-3", "https://example.com/app2/")
	assert.Equal(t, StateAwaitingCallback, sess.FlowState())
	assert.Empty(t, sess.Code)
	assert.Equal(t, "https://example.com/app2/", sess.ServiceURL)
}
