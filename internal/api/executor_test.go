package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/coinauth/internal/model"
)

func newTestExecutor(baseURL string) *Executor {
	e := NewExecutor(Config{
		BaseURL:    baseURL,
		Platform:   "android",
		ClientType: "mobile",
		DeviceID:   "device-1",
		Timeout:    5 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	// テストではバックオフ待機を省略する
	e.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return e
}

func TestExecute_Success_ReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		fmt.Fprint(w, `{"message":"ok"}`)
	}))
	defer srv.Close()

	raw, err := newTestExecutor(srv.URL).Execute(context.Background(), "POST", "/auth/request-otp", map[string]string{"identifier": "+14155550100"}, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	var body map[string]string
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("failed to unmarshal body: %v", err)
	}
	if body["message"] != "ok" {
		t.Errorf("message = %q, want %q", body["message"], "ok")
	}
}

func TestExecute_AttachesUniformHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(200)
	}))
	defer srv.Close()

	newTestExecutor(srv.URL).Execute(context.Background(), "POST", "/x", nil, map[string]string{"X-Extra": "1"})

	if got.Get("X-Platform") != "android" {
		t.Errorf("X-Platform = %q, want android", got.Get("X-Platform"))
	}
	if got.Get("X-Client-Type") != "mobile" {
		t.Errorf("X-Client-Type = %q, want mobile", got.Get("X-Client-Type"))
	}
	if got.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID should be set")
	}
	if got.Get("X-Device-ID") != "device-1" {
		t.Errorf("X-Device-ID = %q, want device-1", got.Get("X-Device-ID"))
	}
	if got.Get("X-Extra") != "1" {
		t.Errorf("X-Extra = %q, want 1", got.Get("X-Extra"))
	}
}

func TestExecute_RetriesServerError_ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(503)
			return
		}
		w.WriteHeader(200)
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	_, err := newTestExecutor(srv.URL).Execute(context.Background(), "POST", "/x", nil, nil)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestExecute_ExhaustsRetryBudget_SurfacesSingleError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(500)
	}))
	defer srv.Close()

	_, err := newTestExecutor(srv.URL).Execute(context.Background(), "POST", "/x", nil, nil)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("calls = %d, want exactly 3 attempts", n)
	}

	ae, ok := model.AsAuthError(err)
	if !ok {
		t.Fatalf("expected AuthError, got %T", err)
	}
	if ae.Kind != model.KindServer {
		t.Errorf("Kind = %v, want KindServer", ae.Kind)
	}
}

func TestExecute_ClientError_NeverRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(400)
		fmt.Fprint(w, `{"code":"INVALID_OTP","message":"wrong code"}`)
	}))
	defer srv.Close()

	_, err := newTestExecutor(srv.URL).Execute(context.Background(), "POST", "/x", nil, nil)
	if err == nil {
		t.Fatal("expected client error")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("calls = %d, want 1 (4xx must not be retried)", n)
	}

	ae, _ := model.AsAuthError(err)
	if ae == nil || ae.Code != "INVALID_OTP" {
		t.Errorf("error = %v, want code INVALID_OTP", err)
	}
}

func TestExecute_NetworkError_Retried(t *testing.T) {
	// 接続先なし → トランスポート障害
	e := newTestExecutor("http://127.0.0.1:1")
	_, err := e.Execute(context.Background(), "POST", "/x", nil, nil)
	if err == nil {
		t.Fatal("expected network error")
	}

	ae, ok := model.AsAuthError(err)
	if !ok || ae.Kind != model.KindNetwork {
		t.Errorf("error = %v, want KindNetwork", err)
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Class
	}{
		{200, ClassOK},
		{201, ClassOK},
		{400, ClassClient},
		{401, ClassClient},
		{404, ClassClient},
		{429, ClassClient},
		{500, ClassServer},
		{503, ClassServer},
	}
	for _, c := range cases {
		if got := ClassifyStatus(c.status); got != c.want {
			t.Errorf("ClassifyStatus(%d) = %v, want %v", c.status, got, c.want)
		}
	}
}

func TestBackoff_DoublesPerAttempt(t *testing.T) {
	base := time.Second
	if got := Backoff(base, 0); got != time.Second {
		t.Errorf("Backoff(0) = %v, want 1s", got)
	}
	if got := Backoff(base, 1); got != 2*time.Second {
		t.Errorf("Backoff(1) = %v, want 2s", got)
	}
	if got := Backoff(base, 2); got != 4*time.Second {
		t.Errorf("Backoff(2) = %v, want 4s", got)
	}
}

// fakeTokenSource は固定トークンを返すTokenSource。
type fakeTokenSource struct {
	token        string
	refreshed    string
	refreshErr   error
	refreshCalls int32
}

func (f *fakeTokenSource) ValidAccessToken(ctx context.Context) (string, error) {
	return f.token, nil
}

func (f *fakeTokenSource) ForceRefresh(ctx context.Context) (string, error) {
	atomic.AddInt32(&f.refreshCalls, 1)
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	return f.refreshed, nil
}

func TestExecuteAuthed_401_TriggersSingleRefreshAndRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(401)
			fmt.Fprint(w, `{"code":"TOKEN_INVALID","message":"expired"}`)
			return
		}
		w.WriteHeader(200)
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	e := newTestExecutor(srv.URL)
	ts := &fakeTokenSource{token: "stale", refreshed: "fresh"}
	e.SetTokenSource(ts)

	_, err := e.ExecuteAuthed(context.Background(), "POST", "/coins/balance", nil)
	if err != nil {
		t.Fatalf("expected success after refresh, got %v", err)
	}
	if n := atomic.LoadInt32(&ts.refreshCalls); n != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", n)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("http calls = %d, want 2 (original + one retry)", n)
	}
}

func TestExecuteAuthed_RefreshFails_SessionLost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		fmt.Fprint(w, `{"code":"TOKEN_INVALID","message":"expired"}`)
	}))
	defer srv.Close()

	e := newTestExecutor(srv.URL)
	e.SetTokenSource(&fakeTokenSource{token: "stale", refreshErr: errors.New("rotation lost")})

	_, err := e.ExecuteAuthed(context.Background(), "POST", "/coins/balance", nil)
	if err == nil {
		t.Fatal("expected session-lost error")
	}
	ae, ok := model.AsAuthError(err)
	if !ok || ae.Code != model.ErrCodeTokenInvalid {
		t.Errorf("error = %v, want TOKEN_INVALID", err)
	}
}
