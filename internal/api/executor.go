package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hitoshi/coinauth/internal/metrics"
	"github.com/hitoshi/coinauth/internal/model"
)

// TokenSource は認証付きリクエストに添付するアクセストークンの供給元。
// token.Managerの部分集合として定義する。
type TokenSource interface {
	// ValidAccessToken は現在有効なアクセストークンを返す。
	ValidAccessToken(ctx context.Context) (string, error)
	// ForceRefresh は手元のトークンの鮮度に関わらずリフレッシュを実行する。
	// 401を受けた呼び出しの再試行前に使う。
	ForceRefresh(ctx context.Context) (string, error)
}

// Config はExecutorの設定を保持する。
type Config struct {
	BaseURL      string
	Platform     string
	ClientType   string
	DeviceID     string
	Timeout      time.Duration
	MaxAttempts  int           // 0なら既定値3
	BackoffBase  time.Duration // 0なら既定値1s
	RequestRate  float64       // 送信レート（req/sec）。0ならペーシングなし
	RequestBurst int
}

// Executor は認証バックエンドへのHTTP呼び出しを実行する。
// ネットワーク障害と5xxのみを有界リトライし、4xxは即座に確定させる。
type Executor struct {
	httpClient *http.Client
	config     Config
	pacer      *rate.Limiter
	logger     *slog.Logger
	metrics    metrics.Recorder

	tokens TokenSource

	// sleep はテストでバックオフ待機を差し替えるためのフック。
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor はExecutorを生成する。
func NewExecutor(config Config, logger *slog.Logger, rec metrics.Recorder) *Executor {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultMaxAttempts
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = defaultBackoffBase
	}
	if rec == nil {
		rec = metrics.Nop{}
	}

	var pacer *rate.Limiter
	if config.RequestRate > 0 {
		burst := config.RequestBurst
		if burst <= 0 {
			burst = 1
		}
		pacer = rate.NewLimiter(rate.Limit(config.RequestRate), burst)
	}

	return &Executor{
		httpClient: &http.Client{Timeout: config.Timeout},
		config:     config,
		pacer:      pacer,
		logger:     logger,
		metrics:    rec,
		sleep:      sleepContext,
	}
}

// SetTokenSource は認証付きリクエストのトークン供給元を設定する。
// ExecutorとトークンマネージャーはNew時点で相互参照できないため、
// 合成ルートが両者の生成後に呼び出す。
func (e *Executor) SetTokenSource(ts TokenSource) {
	e.tokens = ts
}

// Execute はリクエストを実行し、成功時のレスポンスボディを返す。
// ネットワーク障害・5xxはバックオフ付きで最大MaxAttempts回試行し、
// 使い切った場合は最後の障害を1つのエラーとして提示する。
// 4xxはリトライせずドメインコード付きで即座に返す。
func (e *Executor) Execute(ctx context.Context, method, path string, body any, headers map[string]string) (json.RawMessage, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body for %s: %w", path, err)
		}
	}

	start := time.Now()
	raw, err := e.attemptLoop(ctx, method, path, payload, headers)
	e.metrics.RecordRequestLatency(time.Since(start))

	if err != nil {
		e.metrics.RecordRequest(path, "failure")
		return nil, err
	}
	e.metrics.RecordRequest(path, "success")
	return raw, nil
}

// ExecuteAuthed はAuthorizationヘッダー付きでリクエストを実行する。
// 401を受けた場合はトークンリフレッシュを1回だけ試み、元の呼び出しを
// 1回だけ再試行する。リフレッシュに失敗した場合はセッション喪失として
// TOKEN_INVALIDを返す。
func (e *Executor) ExecuteAuthed(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	if e.tokens == nil {
		return nil, fmt.Errorf("executor has no token source configured")
	}

	access, err := e.tokens.ValidAccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("no valid access token for %s: %w", path, err)
	}

	raw, err := e.Execute(ctx, method, path, body, bearerHeader(access))
	if !isUnauthorized(err) {
		return raw, err
	}

	// 401: ちょうど1回のリフレッシュと1回の再試行
	e.logger.Info("received 401, attempting token refresh",
		slog.String("path", path),
	)
	access, refreshErr := e.tokens.ForceRefresh(ctx)
	if refreshErr != nil {
		return nil, fmt.Errorf("session lost after 401 on %s: %w", path, model.NewTokenInvalidError())
	}

	raw, err = e.Execute(ctx, method, path, body, bearerHeader(access))
	if isUnauthorized(err) {
		return nil, fmt.Errorf("still unauthorized after refresh on %s: %w", path, model.NewTokenInvalidError())
	}
	return raw, err
}

// attemptLoop はリトライ予算の範囲でリクエストを試行する。
func (e *Executor) attemptLoop(ctx context.Context, method, path string, payload []byte, headers map[string]string) (json.RawMessage, error) {
	var lastErr error

	for attempt := 0; attempt < e.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			e.metrics.RecordRetry(path)
			delay := Backoff(e.config.BackoffBase, attempt-1)
			e.logger.Warn("retrying request",
				slog.String("path", path),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", delay),
			)
			if err := e.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		if e.pacer != nil {
			if err := e.pacer.Wait(ctx); err != nil {
				return nil, err
			}
		}

		raw, err := e.doOnce(ctx, method, path, payload, headers)
		if err == nil {
			return raw, nil
		}

		ae, ok := model.AsAuthError(err)
		if !ok || !ae.Retryable() {
			return nil, err
		}
		lastErr = err
	}

	return nil, lastErr
}

// doOnce は1回のHTTP呼び出しを実行して応答を分類する。
func (e *Executor) doOnce(ctx context.Context, method, path string, payload []byte, headers map[string]string) (json.RawMessage, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.config.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", path, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Platform", e.config.Platform)
	req.Header.Set("X-Client-Type", e.config.ClientType)
	req.Header.Set("X-Request-ID", uuid.New().String())
	if e.config.DeviceID != "" {
		req.Header.Set("X-Device-ID", e.config.DeviceID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.logger.Warn("request transport failure",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return nil, model.NewNetworkError(err.Error())
	}
	defer resp.Body.Close()

	e.metrics.RecordHTTPStatus(resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.NewNetworkError(err.Error())
	}

	switch ClassifyStatus(resp.StatusCode) {
	case ClassOK:
		return raw, nil
	case ClassServer:
		return nil, model.NewServerError(resp.StatusCode)
	default:
		return nil, decodeClientError(resp.StatusCode, raw)
	}
}

// errorResponse はバックエンドのエラーレスポンスボディ。
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// decodeClientError は4xxレスポンスをドメインコード付きAuthErrorに変換する。
func decodeClientError(status int, raw []byte) *model.AuthError {
	var er errorResponse
	_ = json.Unmarshal(raw, &er)

	msg := er.Message
	if msg == "" {
		msg = er.Error
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return model.NewClientError(status, er.Code, msg)
}

// isUnauthorized はエラーが401由来かどうかを判定する。
func isUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	ae, ok := model.AsAuthError(err)
	return ok && ae.Kind == model.KindClient && ae.HTTPStatus == http.StatusUnauthorized
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

// sleepContext はコンテキストのキャンセルに応答するスリープ。
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
