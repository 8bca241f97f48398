package shared

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*SessionManager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSessionManager(client, "tillpoint_session", time.Hour, false), mr
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == "tillpoint_session" {
			return c
		}
	}
	t.Fatal("session cookie not set")
	return nil
}

func TestSessionRoundTrip(t *testing.T) {
	manager, mr := newTestManager(t)
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, err := manager.Load(ctx, req)
	require.NoError(t, err)
	require.False(t, sess.Authenticated())

	sess.SetUser(7)
	sess.Set("till", "3")

	rec := httptest.NewRecorder()
	require.NoError(t, manager.Commit(ctx, rec, sess))
	cookie := sessionCookie(t, rec)
	require.NotEmpty(t, cookie.Value)
	require.True(t, mr.Exists("session:"+cookie.Value))

	next := httptest.NewRequest(http.MethodGet, "/", nil)
	next.AddCookie(cookie)
	loaded, err := manager.Load(ctx, next)
	require.NoError(t, err)
	require.True(t, loaded.Authenticated())
	require.Equal(t, int64(7), loaded.UserID())
	require.Equal(t, "3", loaded.Get("till"))
}

func TestSessionDestroyRemovesState(t *testing.T) {
	manager, mr := newTestManager(t)
	ctx := context.Background()

	sess, err := manager.Load(ctx, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	sess.SetUser(9)

	rec := httptest.NewRecorder()
	require.NoError(t, manager.Commit(ctx, rec, sess))
	cookie := sessionCookie(t, rec)

	sess.Destroy()
	rec = httptest.NewRecorder()
	require.NoError(t, manager.Commit(ctx, rec, sess))

	require.False(t, mr.Exists("session:"+cookie.Value))
	cleared := sessionCookie(t, rec)
	require.Equal(t, -1, cleared.MaxAge)
}

func TestSessionRotateDropsRequestSuppliedID(t *testing.T) {
	manager, mr := newTestManager(t)
	ctx := context.Background()

	// A cookie value the client picked itself is adopted for the anonymous
	// session, but rotation on authentication must leave it useless.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "tillpoint_session", Value: "chosen-before-login"})
	sess, err := manager.Load(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "chosen-before-login", sess.ID)

	sess.Rotate()
	sess.SetUser(7)

	rec := httptest.NewRecorder()
	require.NoError(t, manager.Commit(ctx, rec, sess))
	cookie := sessionCookie(t, rec)
	require.NotEqual(t, "chosen-before-login", cookie.Value)
	require.True(t, mr.Exists("session:"+cookie.Value))
	require.False(t, mr.Exists("session:chosen-before-login"))

	stale := httptest.NewRequest(http.MethodGet, "/", nil)
	stale.AddCookie(&http.Cookie{Name: "tillpoint_session", Value: "chosen-before-login"})
	loaded, err := manager.Load(ctx, stale)
	require.NoError(t, err)
	require.False(t, loaded.Authenticated())
}

func TestSessionRotateKeepsValuesAndRemovesOldState(t *testing.T) {
	manager, mr := newTestManager(t)
	ctx := context.Background()

	sess, err := manager.Load(ctx, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	sess.Set("till", "3")

	rec := httptest.NewRecorder()
	require.NoError(t, manager.Commit(ctx, rec, sess))
	first := sessionCookie(t, rec)

	next := httptest.NewRequest(http.MethodGet, "/", nil)
	next.AddCookie(first)
	sess, err = manager.Load(ctx, next)
	require.NoError(t, err)

	sess.Rotate()
	sess.SetUser(7)

	rec = httptest.NewRecorder()
	require.NoError(t, manager.Commit(ctx, rec, sess))
	second := sessionCookie(t, rec)
	require.NotEqual(t, first.Value, second.Value)
	require.False(t, mr.Exists("session:"+first.Value))

	reload := httptest.NewRequest(http.MethodGet, "/", nil)
	reload.AddCookie(second)
	loaded, err := manager.Load(ctx, reload)
	require.NoError(t, err)
	require.True(t, loaded.Authenticated())
	require.Equal(t, "3", loaded.Get("till"))
}

func TestSessionExpiresWithRedisTTL(t *testing.T) {
	manager, mr := newTestManager(t)
	ctx := context.Background()

	sess, err := manager.Load(ctx, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	sess.SetUser(4)

	rec := httptest.NewRecorder()
	require.NoError(t, manager.Commit(ctx, rec, sess))
	cookie := sessionCookie(t, rec)

	mr.FastForward(2 * time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	loaded, err := manager.Load(ctx, req)
	require.NoError(t, err)
	require.False(t, loaded.Authenticated())
}
