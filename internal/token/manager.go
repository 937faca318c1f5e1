package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/coinauth/internal/api"
	"github.com/hitoshi/coinauth/internal/metrics"
	"github.com/hitoshi/coinauth/internal/model"
)

// refreshPath はトークンリフレッシュのエンドポイント。
const refreshPath = "/auth/refresh-token"

// ErrNoSession は有効なセッションが存在しないことを表す。
// トークン未保存、またはリフレッシュ失敗によるセッション喪失の両方を含む。
var ErrNoSession = errors.New("no authenticated session")

// requestExecutor はリフレッシュ呼び出しに必要なインターフェース。
// api.Executorの部分集合として定義する。
type requestExecutor interface {
	Execute(ctx context.Context, method, path string, body any, headers map[string]string) (json.RawMessage, error)
}

// Manager はトークンのライフサイクルを管理する。
// 「現在有効なアクセストークンを得る」ことを単一の冪等な操作として公開し、
// 必要なときだけ透過的にリフレッシュする。
type Manager struct {
	store   *Store
	exec    requestExecutor
	buffer  time.Duration
	logger  *slog.Logger
	metrics metrics.Recorder

	// group は同時リフレッシュを1つの進行中呼び出しに合流させる。
	// リフレッシュトークンはローテーションされるため、独立に2本走らせると
	// 片方が必ず無効化される。
	group singleflight.Group

	// now はテストで時刻を差し替えるためのフック。
	now func() time.Time
}

// NewManager はManagerを生成する。bufferは失効前の先行リフレッシュ猶予。
func NewManager(store *Store, exec requestExecutor, buffer time.Duration, logger *slog.Logger, rec metrics.Recorder) *Manager {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Manager{
		store:   store,
		exec:    exec,
		buffer:  buffer,
		logger:  logger,
		metrics: rec,
		now:     time.Now,
	}
}

// ValidAccessToken は現在有効なアクセストークンを返す。
// 認証付き呼び出しを行う全ての呼び出し元が使う単一の入口。
// セッションが存在しない・回復不能な場合はErrNoSessionを返す。
func (m *Manager) ValidAccessToken(ctx context.Context) (string, error) {
	pair, err := m.store.LoadForRefresh()
	if err != nil {
		return "", fmt.Errorf("failed to load token pair: %w", err)
	}
	if pair == nil {
		return "", ErrNoSession
	}

	// 失効が近くなければ保存済みのアクセストークンをそのまま返す
	if m.now().Add(m.buffer).Before(pair.ExpiresAt()) {
		return pair.AccessToken, nil
	}

	return m.refresh(ctx, false)
}

// ForceRefresh は手元のトークンの鮮度に関わらずリフレッシュを実行する。
// 401を受けた認証付き呼び出しの再試行前に使う。
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	pair, err := m.store.LoadForRefresh()
	if err != nil {
		return "", fmt.Errorf("failed to load token pair: %w", err)
	}
	if pair == nil {
		return "", ErrNoSession
	}
	return m.refresh(ctx, true)
}

// refresh はリフレッシュを実行して新しいアクセストークンを返す。
// 同時呼び出しはsingleflightで1本のHTTP呼び出しに合流し、結果を共有する。
func (m *Manager) refresh(ctx context.Context, force bool) (string, error) {
	v, err, shared := m.group.Do("refresh", func() (any, error) {
		return m.doRefresh(ctx, force)
	})
	if shared {
		m.metrics.RecordRefreshCoalesced()
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// doRefresh は実際のリフレッシュ呼び出し。singleflight配下でのみ実行される。
// forceはサーバー側で失効扱いされたトークンの置き換え用で、鮮度による省略を行わない。
func (m *Manager) doRefresh(ctx context.Context, force bool) (string, error) {
	// 合流待ちの間に別の呼び出しがリフレッシュを完了していることがあるため、
	// ネットワークに出る前にストアを読み直して鮮度を確認する。
	pair, err := m.store.LoadForRefresh()
	if err != nil {
		return "", fmt.Errorf("failed to load token pair: %w", err)
	}
	if pair == nil {
		return "", ErrNoSession
	}
	if !force && m.now().Add(m.buffer).Before(pair.ExpiresAt()) {
		return pair.AccessToken, nil
	}

	// 進行中のリフレッシュは起点の画面が先に消えても完走させる。
	// 合流している他の呼び出しが結果に依存しているため、
	// 起点のキャンセルから切り離したコンテキストで実行する。
	raw, err := m.exec.Execute(context.WithoutCancel(ctx), http.MethodPost, refreshPath, nil, map[string]string{
		"Authorization": "Bearer " + pair.RefreshToken,
	})
	if err != nil {
		m.metrics.RecordTokenRefresh("failure")

		// ネットワーク・サーバー障害では何もローテーションされていない。
		// 手元のリフレッシュトークンはまだ有効なので、セッションは壊さず
		// エラーだけ返して次の呼び出しで再試行できるようにする。
		ae, ok := model.AsAuthError(err)
		rejected := ok && (ae.HTTPStatus == http.StatusUnauthorized || ae.Code == model.ErrCodeTokenInvalid)
		if !rejected {
			m.logger.Warn("token refresh failed, keeping session",
				slog.String("error", err.Error()),
			)
			return "", fmt.Errorf("token refresh failed: %w", err)
		}

		// サーバーがリフレッシュトークンを拒否した。ローテーション済みの
		// トークンは再利用できないため、セッションにとって終端。ストアを空にする。
		m.logger.Warn("refresh token rejected, clearing session",
			slog.String("error", err.Error()),
		)
		if clearErr := m.store.Clear(); clearErr != nil {
			m.logger.Error("failed to clear token store",
				slog.String("error", clearErr.Error()),
			)
		}
		return "", ErrNoSession
	}

	res, err := api.DecodeStepResult(raw, m.now())
	if err != nil {
		m.metrics.RecordTokenRefresh("failure")
		return "", fmt.Errorf("failed to decode refresh response: %w", err)
	}
	if res.Kind != model.StepResultActivated || res.Tokens == nil {
		m.metrics.RecordTokenRefresh("failure")
		return "", fmt.Errorf("refresh response did not contain a token pair")
	}

	if err := m.store.Save(*res.Tokens); err != nil {
		m.metrics.RecordTokenRefresh("failure")
		return "", fmt.Errorf("failed to save refreshed token pair: %w", err)
	}

	m.metrics.RecordTokenRefresh("success")
	m.logger.Info("token pair refreshed",
		slog.Time("expires_at", res.Tokens.ExpiresAt()),
	)
	return res.Tokens.AccessToken, nil
}
