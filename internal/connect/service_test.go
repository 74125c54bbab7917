package connect

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/finlink-io/booksync/internal/db/models"
	"github.com/finlink-io/booksync/internal/providers/registry"
	"github.com/finlink-io/booksync/internal/store"
)

const testBaseURL = "https://app.example.com"

func newConnectTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := gdb.AutoMigrate(&models.Account{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.New(gdb)
}

// newTestService wires a Service against a real registry load with xero's
// token endpoint pointed at tokenURL.
func newTestService(t *testing.T, tokenURL string) (*Service, *store.Store) {
	t.Helper()
	registry.ResetForTest()
	t.Cleanup(registry.ResetForTest)

	t.Setenv("BOOKSYNC_XERO_CLIENT_ID", "client-abc")
	t.Setenv("BOOKSYNC_XERO_CLIENT_SECRET", "secret-xyz")
	if tokenURL != "" {
		t.Setenv("BOOKSYNC_XERO_TOKEN_URL", tokenURL)
	}
	if err := registry.Init(""); err != nil {
		t.Fatalf("init registry: %v", err)
	}

	st := newConnectTestStore(t)
	return NewService(st, NewExchanger(), testBaseURL), st
}

func tokenEndpoint(t *testing.T, hits *atomic.Int64, body string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func stateFor(acc *models.Account) string {
	return strconv.FormatUint(uint64(acc.ID), 10)
}

func TestAuthorizationURL(t *testing.T) {
	svc, st := newTestService(t, "")
	ctx := context.Background()

	acc, err := st.Create(ctx, "user-1", "xero", "accounting.journals.read offline_access")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	raw, err := svc.AuthorizationURL(ctx, "user-1", "xero")
	if err != nil {
		t.Fatalf("authorization URL: %v", err)
	}
	if !strings.Contains(raw, "state="+stateFor(acc)) {
		t.Fatalf("expected account ID as state in %s", raw)
	}
	if !strings.Contains(raw, "login.xero.com") {
		t.Fatalf("unexpected consent host: %s", raw)
	}

	if _, err := svc.AuthorizationURL(ctx, "user-1", "sage"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
	if _, err := svc.AuthorizationURL(ctx, "user-2", "xero"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing account, got %v", err)
	}
}

func TestAuthorizationURLUnprovisioned(t *testing.T) {
	registry.ResetForTest()
	t.Cleanup(registry.ResetForTest)
	if err := registry.Init(""); err != nil {
		t.Fatalf("init registry: %v", err)
	}

	st := newConnectTestStore(t)
	svc := NewService(st, NewExchanger(), testBaseURL)
	ctx := context.Background()
	if _, err := st.Create(ctx, "user-1", "quickbooks", "s"); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.AuthorizationURL(ctx, "user-1", "quickbooks"); !errors.Is(err, ErrMisconfigured) {
		t.Fatalf("expected ErrMisconfigured, got %v", err)
	}
}

func TestHandleCallbackMissingParams(t *testing.T) {
	svc, _ := newTestService(t, "")
	ctx := context.Background()

	if _, err := svc.HandleCallback(ctx, "xero", CallbackParams{State: "1"}); !errors.Is(err, ErrMissingParams) {
		t.Fatalf("expected ErrMissingParams without code, got %v", err)
	}
	if _, err := svc.HandleCallback(ctx, "xero", CallbackParams{Code: "c"}); !errors.Is(err, ErrMissingParams) {
		t.Fatalf("expected ErrMissingParams without state, got %v", err)
	}
}

func TestHandleCallbackInvalidState(t *testing.T) {
	svc, st := newTestService(t, "")
	ctx := context.Background()

	if _, err := svc.HandleCallback(ctx, "xero", CallbackParams{Code: "c", State: "not-a-number"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for non-numeric state, got %v", err)
	}
	if _, err := svc.HandleCallback(ctx, "xero", CallbackParams{Code: "c", State: "999"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for unknown account, got %v", err)
	}

	// A rejected callback must not invent rows.
	if _, err := st.ByID(ctx, 999); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no account created, got %v", err)
	}
}

func TestHandleCallbackSuccess(t *testing.T) {
	srv := tokenEndpoint(t, nil,
		`{"access_token":"at-1","token_type":"Bearer","expires_in":1800,"refresh_token":"rt-1"}`,
		http.StatusOK)
	svc, st := newTestService(t, srv.URL)
	ctx := context.Background()

	acc, _ := st.Create(ctx, "user-1", "xero", "s")
	res, err := svc.HandleCallback(ctx, "xero", CallbackParams{Code: "code-1", State: stateFor(acc), RealmID: "realm-7"})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if res.Failed != nil {
		t.Fatalf("unexpected failure: %+v", res.Failed)
	}
	if res.AccessToken != "at-1" {
		t.Fatalf("unexpected access token: %q", res.AccessToken)
	}

	got, _ := st.ByID(ctx, acc.ID)
	if got.State() != models.StateAuthenticated {
		t.Fatalf("expected authenticated, got %s", got.State())
	}
	if got.AuthorizationCode != "code-1" || got.RealmID != "realm-7" {
		t.Fatalf("expected code and realm persisted, got %+v", got)
	}
	if got.AccessToken != "at-1" || got.RefreshToken != "rt-1" || got.ExpiresIn != 1800 {
		t.Fatalf("unexpected token fields: %+v", got)
	}
}

func TestHandleCallbackProviderRejection(t *testing.T) {
	srv := tokenEndpoint(t, nil, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	svc, st := newTestService(t, srv.URL)
	ctx := context.Background()

	acc, _ := st.Create(ctx, "user-1", "xero", "s")
	res, err := svc.HandleCallback(ctx, "xero", CallbackParams{Code: "code-bad", State: stateFor(acc)})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if res.Failed == nil {
		t.Fatal("expected recorded failure")
	}
	if res.Failed.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected passthrough status: %d", res.Failed.StatusCode)
	}

	got, _ := st.ByID(ctx, acc.ID)
	if got.State() != models.StateErrored {
		t.Fatalf("expected errored, got %s", got.State())
	}
	if got.IsAuthenticated {
		t.Fatal("expected unauthenticated after failed exchange")
	}
	if got.ErrorDesc != `status_code=400, error={"error":"invalid_grant"}` {
		t.Fatalf("unexpected error description: %q", got.ErrorDesc)
	}
	if got.ErrorAt == nil {
		t.Fatal("expected error timestamp")
	}
	// The stored code stays for diagnosis.
	if got.AuthorizationCode != "code-bad" {
		t.Fatalf("expected code persisted, got %q", got.AuthorizationCode)
	}
}

func TestHandleCallbackDuplicateDelivery(t *testing.T) {
	var hits atomic.Int64
	srv := tokenEndpoint(t, &hits,
		`{"access_token":"at-1","token_type":"Bearer","expires_in":1800,"refresh_token":"rt-1"}`,
		http.StatusOK)
	svc, st := newTestService(t, srv.URL)
	ctx := context.Background()

	acc, _ := st.Create(ctx, "user-1", "xero", "s")
	params := CallbackParams{Code: "code-1", State: stateFor(acc)}

	first, err := svc.HandleCallback(ctx, "xero", params)
	if err != nil || first.AccessToken != "at-1" {
		t.Fatalf("first delivery: %v %+v", err, first)
	}

	// Redelivery of the completed code must not hit the provider again;
	// a reused code would be rejected and clobber the finished transition.
	second, err := svc.HandleCallback(ctx, "xero", params)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if second.AccessToken != "at-1" || second.Failed != nil {
		t.Fatalf("expected stored token on redelivery, got %+v", second)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected a single exchange, provider saw %d", hits.Load())
	}

	got, _ := st.ByID(ctx, acc.ID)
	if got.State() != models.StateAuthenticated {
		t.Fatalf("expected authenticated preserved, got %s", got.State())
	}
}

func TestHandleCallbackSuccessAfterEarlierFailure(t *testing.T) {
	var status atomic.Int64
	status.Store(http.StatusBadRequest)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if s := int(status.Load()); s != http.StatusOK {
			w.WriteHeader(s)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"at-2","token_type":"Bearer","expires_in":1800,"refresh_token":"rt-2"}`))
	}))
	t.Cleanup(srv.Close)
	svc, st := newTestService(t, srv.URL)
	ctx := context.Background()

	acc, _ := st.Create(ctx, "user-1", "xero", "s")
	res, err := svc.HandleCallback(ctx, "xero", CallbackParams{Code: "code-old", State: stateFor(acc)})
	if err != nil || res.Failed == nil {
		t.Fatalf("expected recorded failure, got %v %+v", err, res)
	}

	// A retried authorization with a fresh code clears the error.
	status.Store(http.StatusOK)
	res, err = svc.HandleCallback(ctx, "xero", CallbackParams{Code: "code-new", State: stateFor(acc)})
	if err != nil {
		t.Fatalf("retry callback: %v", err)
	}
	if res.AccessToken != "at-2" {
		t.Fatalf("unexpected token: %+v", res)
	}

	got, _ := st.ByID(ctx, acc.ID)
	if got.State() != models.StateAuthenticated {
		t.Fatalf("expected authenticated after retry, got %s", got.State())
	}
	if got.ErrorDesc != "" || got.ErrorAt != nil {
		t.Fatalf("expected error cleared, got %q %v", got.ErrorDesc, got.ErrorAt)
	}
}

func TestRefresh(t *testing.T) {
	srv := tokenEndpoint(t, nil,
		`{"access_token":"at-2","token_type":"Bearer","expires_in":1800,"refresh_token":"rt-2"}`,
		http.StatusOK)
	svc, st := newTestService(t, srv.URL)
	ctx := context.Background()

	acc, _ := st.Create(ctx, "user-1", "xero", "s")
	_ = st.SetTokens(ctx, acc.ID, store.TokenGrant{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresIn: 1800})

	res, err := svc.Refresh(ctx, "user-1", "xero")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if res.AccessToken != "at-2" {
		t.Fatalf("unexpected token: %+v", res)
	}

	got, _ := st.ByID(ctx, acc.ID)
	if got.AccessToken != "at-2" || got.RefreshToken != "rt-2" {
		t.Fatalf("expected rotated tokens, got %+v", got)
	}
}

func TestRefreshKeepsTokenWhenRotationOmitsIt(t *testing.T) {
	srv := tokenEndpoint(t, nil,
		`{"access_token":"at-2","token_type":"Bearer","expires_in":1800}`,
		http.StatusOK)
	svc, st := newTestService(t, srv.URL)
	ctx := context.Background()

	acc, _ := st.Create(ctx, "user-1", "xero", "s")
	_ = st.SetTokens(ctx, acc.ID, store.TokenGrant{AccessToken: "at-1", RefreshToken: "rt-1"})

	if _, err := svc.Refresh(ctx, "user-1", "xero"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	got, _ := st.ByID(ctx, acc.ID)
	if got.RefreshToken != "rt-1" {
		t.Fatalf("expected refresh token kept, got %q", got.RefreshToken)
	}
}

func TestRefreshWithoutStoredToken(t *testing.T) {
	svc, st := newTestService(t, "")
	ctx := context.Background()

	if _, err := st.Create(ctx, "user-1", "xero", "s"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Refresh(ctx, "user-1", "xero"); !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("expected ErrNoRefreshToken, got %v", err)
	}
}

func TestRefreshRejectionPreservesTokens(t *testing.T) {
	srv := tokenEndpoint(t, nil, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	svc, st := newTestService(t, srv.URL)
	ctx := context.Background()

	acc, _ := st.Create(ctx, "user-1", "xero", "s")
	_ = st.SetTokens(ctx, acc.ID, store.TokenGrant{AccessToken: "at-1", RefreshToken: "rt-1"})

	res, err := svc.Refresh(ctx, "user-1", "xero")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if res.Failed == nil || res.Failed.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected recorded rejection, got %+v", res)
	}

	got, _ := st.ByID(ctx, acc.ID)
	if got.AccessToken != "at-1" || got.RefreshToken != "rt-1" {
		t.Fatalf("expected tokens preserved on failed refresh, got %+v", got)
	}
	if got.State() != models.StateErrored {
		t.Fatalf("expected errored, got %s", got.State())
	}
}

func TestReapOnce(t *testing.T) {
	svc, st := newTestService(t, "")
	ctx := context.Background()

	stuck, _ := st.Create(ctx, "user-1", "xero", "s")
	_ = st.SetAuthorizationCode(ctx, stuck.ID, "code-stuck", "")

	done, _ := st.Create(ctx, "user-2", "xero", "s")
	_ = st.SetAuthorizationCode(ctx, done.ID, "code-done", "")
	_ = st.SetTokens(ctx, done.ID, store.TokenGrant{AccessToken: "at"})

	time.Sleep(20 * time.Millisecond)

	reaped, err := svc.ReapOnce(ctx, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("expected one expired attempt, got %d", reaped)
	}

	got, _ := st.ByID(ctx, stuck.ID)
	if got.State() != models.StateErrored {
		t.Fatalf("expected stuck account errored, got %s", got.State())
	}
	if !strings.Contains(got.ErrorDesc, "authorization stalled") {
		t.Fatalf("unexpected error description: %q", got.ErrorDesc)
	}

	kept, _ := st.ByID(ctx, done.ID)
	if kept.State() != models.StateAuthenticated {
		t.Fatalf("expected completed account untouched, got %s", kept.State())
	}

	// The sweep is idempotent once everything is expired.
	reaped, err = svc.ReapOnce(ctx, 10*time.Millisecond)
	if err != nil || reaped != 0 {
		t.Fatalf("expected empty second sweep, got %d %v", reaped, err)
	}
}
