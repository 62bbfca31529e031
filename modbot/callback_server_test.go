package modbot

import (
	"context"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	gsessions "github.com/gorilla/sessions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"
)

type callbackFixture struct {
	*tokenFixture
	server *CallbackServer

	mu         sync.Mutex
	authorized []string
}

// newCallbackFixture builds a callback server. gin's mode is global, so
// tests using this shouldn't run in parallel.
func newCallbackFixture(t testing.TB) *callbackFixture {
	t.Helper()
	cfg := DefaultTestConfig(t)
	f := &callbackFixture{tokenFixture: newTokenFixture(t)}
	server, err := newCallbackServer(
		cfg.CallbackServer,
		false,
		f.tokens,
		f.metrics,
		func(_ context.Context, userID string) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.authorized = append(f.authorized, userID)
		},
	)
	require.NoError(t, err)
	f.server = server
	return f
}

func (f *callbackFixture) Authorized() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.authorized...)
}

func (f *callbackFixture) get(target string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

// login starts the flow for the user, returning the state token and
// the session cookies set by /login
func (f *callbackFixture) login(t testing.TB, userID string) (string, []*http.Cookie) {
	t.Helper()
	_, state, err := f.tokens.AuthorizationURL(userID)
	require.NoError(t, err)

	rec := f.get(callbackPathLogin + "?" + url.Values{"state": {state}}.Encode())
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, f.auth.AuthURL(state), rec.Header().Get("Location"))

	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)
	assert.Equal(t, sessionName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	return state, cookies
}

func callbackTarget(values url.Values) string {
	return callbackPathConnect + "?" + values.Encode()
}

func TestCallbackServer_Connect(t *testing.T) {
	f := newCallbackFixture(t)
	state, cookies := f.login(t, "u1")

	rec := f.get(callbackTarget(url.Values{"state": {state}, "code": {"auth-code"}}), cookies...)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pageConnected, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(xRequestIDHeader))

	assert.Equal(t, []string{"auth-code"}, f.auth.Exchanges())
	assert.Equal(t, []string{"u1"}, f.Authorized())

	cred, err := f.db.GetCredential(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "exchanged-access", cred.AccessToken)

	// replaying the callback fails, the state was consumed
	rec = f.get(callbackTarget(url.Values{"state": {state}, "code": {"auth-code"}}), cookies...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, f.auth.Exchanges(), 1)
}

func TestCallbackServer_CallbackWithoutSession(t *testing.T) {
	f := newCallbackFixture(t)
	_, state, err := f.tokens.AuthorizationURL("u1")
	require.NoError(t, err)

	rec := f.get(callbackTarget(url.Values{"state": {state}, "code": {"auth-code"}}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, pageStateInvalid, rec.Body.String())
	assert.Empty(t, f.auth.Exchanges())

	_, ok := f.tokens.PendingState(state)
	assert.True(t, ok, "a rejected callback doesn't consume the state")
}

func TestCallbackServer_StateMismatch(t *testing.T) {
	f := newCallbackFixture(t)
	_, cookies := f.login(t, "u1")
	_, otherState, err := f.tokens.AuthorizationURL("u2")
	require.NoError(t, err)

	rec := f.get(callbackTarget(url.Values{"state": {otherState}, "code": {"auth-code"}}), cookies...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, pageStateInvalid, rec.Body.String())
	assert.Empty(t, f.auth.Exchanges())
}

func TestCallbackServer_LoginUnknownState(t *testing.T) {
	f := newCallbackFixture(t)

	rec := f.get(callbackPathLogin + "?state=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, pageExpiredLink, rec.Body.String())

	rec = f.get(callbackPathLogin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackServer_Denied(t *testing.T) {
	f := newCallbackFixture(t)
	state, cookies := f.login(t, "u1")

	rec := f.get(callbackTarget(url.Values{"state": {state}, "error": {"access_denied"}}), cookies...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, pageDenied, rec.Body.String())
	assert.Empty(t, f.auth.Exchanges())
	assert.Empty(t, f.Authorized())
}

func TestCallbackServer_ExchangeFailure(t *testing.T) {
	f := newCallbackFixture(t)
	f.auth.exchangeErr = assert.AnError
	state, cookies := f.login(t, "u1")

	rec := f.get(callbackTarget(url.Values{"state": {state}, "code": {"auth-code"}}), cookies...)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, pageFailed, rec.Body.String())
	assert.Empty(t, f.Authorized())

	_, err := f.db.GetCredential(context.Background(), "u1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCallbackServer_HealthAndMetrics(t *testing.T) {
	f := newCallbackFixture(t)

	rec := f.get(callbackPathHealth)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())

	f.metrics.MessagesModerated.Inc()
	rec = f.get(callbackPathMetrics)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "modbot_messages_moderated_total 1")

	rec = f.get(callbackPathRoot)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCallbackServer_Serve(t *testing.T) {
	f := newCallbackFixture(t)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- f.server.Serve(ctx)
	}()

	var addr string
	require.Eventually(
		t, func() bool {
			addr = f.server.Addr()
			return addr != ""
		}, 5*time.Second, 10*time.Millisecond,
	)
	resp, err := http.Get("http://" + addr + callbackPathHealth)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, f.server.Shutdown(ctx))
	require.ErrorIs(t, <-done, http.ErrServerClosed)
}

// mockSessionStore is a session store whose Get and Save results are
// set per test
type mockSessionStore struct {
	mock.Mock
}

func (m *mockSessionStore) Get(_ *http.Request, name string) (*gsessions.Session, error) {
	args := m.Called(name)
	return args.Get(0).(*gsessions.Session), args.Error(1)
}

func (m *mockSessionStore) New(_ *http.Request, name string) (*gsessions.Session, error) {
	args := m.Called(name)
	return args.Get(0).(*gsessions.Session), args.Error(1)
}

func (m *mockSessionStore) Save(_ *http.Request, _ http.ResponseWriter, s *gsessions.Session) error {
	return m.Called(s.Name()).Error(0)
}

func (m *mockSessionStore) Options(sessions.Options) {}

func TestCallbackServer_LoginSessionSaveError(t *testing.T) {
	f := newCallbackFixture(t)
	_, state, err := f.tokens.AuthorizationURL("u1")
	require.NoError(t, err)

	store := &mockSessionStore{}
	store.On("Get", sessionName).Return(gsessions.NewSession(store, sessionName), nil)
	store.On("Save", sessionName).Return(assert.AnError)

	r := gin.New()
	r.Use(sessions.Sessions(sessionName, store))
	r.GET(callbackPathLogin, f.server.login)

	rec := httptest.NewRecorder()
	r.ServeHTTP(
		rec,
		httptest.NewRequest(http.MethodGet, callbackPathLogin+"?"+url.Values{"state": {state}}.Encode(), nil),
	)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, pageFailed, rec.Body.String())
	assert.Empty(t, rec.Header().Get("Location"))
	store.AssertExpectations(t)

	_, ok := f.tokens.PendingState(state)
	assert.True(t, ok, "the link can be retried")
}
