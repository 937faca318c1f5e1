package token

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/coinauth/internal/api"
	"github.com/hitoshi/coinauth/internal/model"
	"github.com/hitoshi/coinauth/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newRefreshServer は/auth/refresh-tokenを処理するテストサーバーと
// リフレッシュ呼び出し回数カウンタを返す。
func newRefreshServer(t *testing.T) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/refresh-token" {
			t.Errorf("unexpected path %q", r.URL.Path)
			w.WriteHeader(404)
			return
		}
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(401)
			fmt.Fprint(w, `{"code":"TOKEN_INVALID","message":"missing refresh token"}`)
			return
		}
		n := atomic.AddInt32(&calls, 1)
		// リフレッシュごとにローテーションされた新しいペアを返す
		fmt.Fprintf(w, `{"accessToken":"acc-%d","refreshToken":"ref-%d","expiresIn":900,"user":{"id":"u1"}}`, n, n)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestManager(t *testing.T, baseURL string) *Manager {
	t.Helper()
	records, err := storage.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	store := NewStore(records)
	exec := api.NewExecutor(api.Config{
		BaseURL:     baseURL,
		Platform:    "android",
		ClientType:  "mobile",
		Timeout:     5 * time.Second,
		BackoffBase: time.Millisecond,
	}, discardLogger(), nil)
	return NewManager(store, exec, 5*time.Minute, discardLogger(), nil)
}

func TestValidAccessToken_NoPair_ErrNoSession(t *testing.T) {
	srv, _ := newRefreshServer(t)
	m := newTestManager(t, srv.URL)

	_, err := m.ValidAccessToken(context.Background())
	if !errors.Is(err, ErrNoSession) {
		t.Errorf("error = %v, want ErrNoSession", err)
	}
}

func TestValidAccessToken_FreshPair_NoNetworkCall(t *testing.T) {
	srv, calls := newRefreshServer(t)
	m := newTestManager(t, srv.URL)

	m.store.Save(model.TokenPair{
		AccessToken:  "fresh",
		RefreshToken: "ref",
		ExpiresIn:    3600,
		IssuedAt:     time.Now(),
	})

	got, err := m.ValidAccessToken(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != "fresh" {
		t.Errorf("token = %q, want %q", got, "fresh")
	}
	if n := atomic.LoadInt32(calls); n != 0 {
		t.Errorf("refresh calls = %d, want 0 for a fresh pair", n)
	}
}

func TestValidAccessToken_NearExpiry_RefreshesOnce(t *testing.T) {
	srv, calls := newRefreshServer(t)
	m := newTestManager(t, srv.URL)

	// 失効まで2分 < バッファ5分 → リフレッシュ対象
	m.store.Save(model.TokenPair{
		AccessToken:  "stale",
		RefreshToken: "ref",
		ExpiresIn:    120,
		IssuedAt:     time.Now(),
	})

	got, err := m.ValidAccessToken(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != "acc-1" {
		t.Errorf("token = %q, want acc-1", got)
	}
	if n := atomic.LoadInt32(calls); n != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", n)
	}

	// 新しいウィンドウ内の後続呼び出しは追加のネットワーク呼び出しなし
	got, err = m.ValidAccessToken(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != "acc-1" {
		t.Errorf("token = %q, want acc-1", got)
	}
	if n := atomic.LoadInt32(calls); n != 1 {
		t.Errorf("refresh calls = %d, want still 1", n)
	}
}

func TestValidAccessToken_ExpiredPair_TriggersRefresh(t *testing.T) {
	srv, calls := newRefreshServer(t)
	m := newTestManager(t, srv.URL)

	// issuedAt = now-1h, expiresIn = 3000s → アクセストークンは失効済み。
	// リフレッシュトークンは長命なのでちょうど1回のリフレッシュが走る。
	m.store.Save(model.TokenPair{
		AccessToken:  "dead",
		RefreshToken: "ref",
		ExpiresIn:    3000,
		IssuedAt:     time.Now().Add(-time.Hour),
	})

	got, err := m.ValidAccessToken(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != "acc-1" {
		t.Errorf("token = %q, want acc-1", got)
	}
	if n := atomic.LoadInt32(calls); n != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", n)
	}

	// 新しいウィンドウ内ではネットワーク呼び出しなしで新トークンが返る
	got, _ = m.ValidAccessToken(context.Background())
	if got != "acc-1" {
		t.Errorf("subsequent token = %q, want acc-1", got)
	}
	if n := atomic.LoadInt32(calls); n != 1 {
		t.Errorf("refresh calls = %d, want still 1", n)
	}
}

func TestValidAccessToken_ConcurrentCallers_SingleRefreshCall(t *testing.T) {
	srv, calls := newRefreshServer(t)
	m := newTestManager(t, srv.URL)

	m.store.Save(model.TokenPair{
		AccessToken:  "stale",
		RefreshToken: "ref",
		ExpiresIn:    120,
		IssuedAt:     time.Now(),
	})

	const callers = 20
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.ValidAccessToken(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if results[i] != "acc-1" {
			t.Errorf("caller %d token = %q, want acc-1", i, results[i])
		}
	}
	if n := atomic.LoadInt32(calls); n != 1 {
		t.Errorf("refresh HTTP calls = %d, want at most 1 under concurrency", n)
	}
}

func TestValidAccessToken_RefreshFailure_ClearsStoreAndReturnsNoSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		fmt.Fprint(w, `{"code":"TOKEN_INVALID","message":"rotated"}`)
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL)
	m.store.Save(model.TokenPair{
		AccessToken:  "stale",
		RefreshToken: "rotated-away",
		ExpiresIn:    120,
		IssuedAt:     time.Now(),
	})

	_, err := m.ValidAccessToken(context.Background())
	if !errors.Is(err, ErrNoSession) {
		t.Fatalf("error = %v, want ErrNoSession", err)
	}

	// ストアは空にされている
	pair, _ := m.store.Load()
	if pair != nil {
		t.Error("store should be cleared after terminal refresh failure")
	}
}

func TestValidAccessToken_CallerCancelled_RefreshStillCompletes(t *testing.T) {
	srv, calls := newRefreshServer(t)
	m := newTestManager(t, srv.URL)

	m.store.Save(model.TokenPair{
		AccessToken:  "stale",
		RefreshToken: "ref",
		ExpiresIn:    120,
		IssuedAt:     time.Now(),
	})

	// 起点の画面が先に消えた状況: キャンセル済みコンテキストで呼ぶ。
	// 進行中のリフレッシュは完走し、セッションは破棄されない。
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := m.ValidAccessToken(ctx)
	if err != nil {
		t.Fatalf("refresh must complete despite caller cancellation, got %v", err)
	}
	if got != "acc-1" {
		t.Errorf("token = %q, want acc-1", got)
	}
	if n := atomic.LoadInt32(calls); n != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", n)
	}

	// ストアには新しいペアが残っている
	pair, err := m.store.LoadForRefresh()
	if err != nil || pair == nil {
		t.Fatalf("pair = %v err = %v, want refreshed pair in store", pair, err)
	}
	if pair.AccessToken != "acc-1" {
		t.Errorf("stored AccessToken = %q, want acc-1", pair.AccessToken)
	}
}

func TestValidAccessToken_ServerFailure_KeepsSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL)
	m.store.Save(model.TokenPair{
		AccessToken:  "stale",
		RefreshToken: "still-valid",
		ExpiresIn:    120,
		IssuedAt:     time.Now(),
	})

	// 5xxではリフレッシュトークンは何もローテーションされていないので、
	// エラーは返すがセッションは終端扱いにしない
	_, err := m.ValidAccessToken(context.Background())
	if err == nil {
		t.Fatal("expected error for 503 refresh")
	}
	if errors.Is(err, ErrNoSession) {
		t.Fatalf("error = %v, must not be ErrNoSession for a server failure", err)
	}

	pair, loadErr := m.store.LoadForRefresh()
	if loadErr != nil || pair == nil {
		t.Fatalf("pair = %v err = %v, want session preserved", pair, loadErr)
	}
	if pair.RefreshToken != "still-valid" {
		t.Errorf("RefreshToken = %q, want still-valid", pair.RefreshToken)
	}
}

func TestForceRefresh_IssuesNetworkCall(t *testing.T) {
	srv, calls := newRefreshServer(t)
	m := newTestManager(t, srv.URL)

	m.store.Save(model.TokenPair{
		AccessToken:  "fresh",
		RefreshToken: "ref",
		ExpiresIn:    3600,
		IssuedAt:     time.Now(),
	})

	// サーバー側で失効扱いされた場合の置き換え用なので、
	// 手元のペアが新鮮に見えても必ずネットワークに出る
	got, err := m.ForceRefresh(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != "acc-1" {
		t.Errorf("token = %q, want acc-1", got)
	}
	if n := atomic.LoadInt32(calls); n != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", n)
	}
}
