// Package otp はOTP（ワンタイムコード）の要求・検証・再送のオーケストレーションを提供する。
// 識別子ごとの試行残数とクールダウンを追跡し、使い切った検証は
// ネットワークに出さずにローカルで拒否する。
package otp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/hitoshi/coinauth/internal/api"
	"github.com/hitoshi/coinauth/internal/metrics"
	"github.com/hitoshi/coinauth/internal/model"
	"github.com/hitoshi/coinauth/internal/ratelimit"
)

const (
	requestPath = "/auth/request-otp"
	verifyPath  = "/auth/verify-otp"
)

// Channel はOTPの配送チャネル。
type Channel string

const (
	// ChannelSMS はSMS配送。
	ChannelSMS Channel = "SMS"
	// ChannelEmail はメール配送。
	ChannelEmail Channel = "EMAIL"
)

// State は識別子ごとの検証フローの状態。
type State string

const (
	// StateIdle はOTP未要求。
	StateIdle State = "IDLE"
	// StateRequested はOTP送信済みで検証待ち。
	StateRequested State = "REQUESTED"
	// StateVerifying は検証呼び出しが進行中。
	StateVerifying State = "VERIFYING"
	// StateVerified は検証成功。
	StateVerified State = "VERIFIED"
	// StateFailed は検証失敗（試行残数あり）。
	StateFailed State = "FAILED"
	// StateLocked は試行残数0。新しいOTPの要求までローカルで拒否する。
	StateLocked State = "LOCKED"
)

// ErrInFlight は同一識別子への重複呼び出しを表す。最初の呼び出しが勝つ。
var ErrInFlight = errors.New("operation already in flight for this identifier")

// AttemptRecord は識別子ごとの試行状態。
// AttemptsRemainingは検証失敗でのみ減り、新しいOTPの送信成功でのみ3に戻る。
type AttemptRecord struct {
	AttemptsRemaining     int   `json:"attempts_remaining"`
	LastAttemptEpochMs    int64 `json:"last_attempt_epoch_ms"` // 0は試行なし
	LastDispatchEpochMs   int64 `json:"last_dispatch_epoch_ms"`
	ResendCooldownSeconds int   `json:"resend_cooldown_seconds"`
}

// Config はOTP制御の設定を保持する。
type Config struct {
	MaxVerifyAttempts int           // コード不一致の許容回数
	DispatchLimit     int           // ウィンドウ内の送信要求上限
	DispatchWindow    time.Duration // 送信要求のレート制限ウィンドウ
	ResendCooldown    time.Duration // 再送までのクールダウン
}

// DefaultConfig はデフォルトのOTP設定を返す。
func DefaultConfig() Config {
	return Config{
		MaxVerifyAttempts: 3,
		DispatchLimit:     3,
		DispatchWindow:    time.Hour,
		ResendCooldown:    60 * time.Second,
	}
}

// requestExecutor はOTPエンドポイント呼び出しに必要なインターフェース。
// api.Executorの部分集合として定義する。
type requestExecutor interface {
	Execute(ctx context.Context, method, path string, body any, headers map[string]string) (json.RawMessage, error)
}

// RequestResult はOTP送信要求の成功結果。
type RequestResult struct {
	Message          string `json:"message"`
	ExpiresInSeconds int    `json:"expiresInSeconds"`
}

// Controller はOTPフローを制御する。
type Controller struct {
	exec    requestExecutor
	limiter *ratelimit.Limiter
	config  Config
	logger  *slog.Logger
	metrics metrics.Recorder

	mu       sync.Mutex
	records  map[string]*AttemptRecord
	states   map[string]State
	inflight map[string]bool
	timers   map[string]*time.Timer

	// notify はクールダウン満了時に呼ばれる任意のコールバック。
	// UIはポーリング（ResendRemaining）か通知のどちらでも使える。
	notify func(identifier string)

	// now はテストで時刻を差し替えるためのフック。
	now func() time.Time
}

// NewController はControllerを生成する。
func NewController(exec requestExecutor, limiter *ratelimit.Limiter, config Config, logger *slog.Logger, rec metrics.Recorder) *Controller {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Controller{
		exec:     exec,
		limiter:  limiter,
		config:   config,
		logger:   logger,
		metrics:  rec,
		records:  make(map[string]*AttemptRecord),
		states:   make(map[string]State),
		inflight: make(map[string]bool),
		timers:   make(map[string]*time.Timer),
		now:      time.Now,
	}
}

// SetCooldownNotify はクールダウン満了通知のコールバックを設定する。
func (c *Controller) SetCooldownNotify(fn func(identifier string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = fn
}

// RequestOTP は識別子宛のOTP送信を要求する。
// 送信回数はレート制限（既定3回/時間）の対象で、拒否時は正確な残り待機秒数を
// 含むRATE_LIMITEDエラーを返す。成功時は試行記録をリセットし、
// 再送クールダウンのタイマーを開始する。
func (c *Controller) RequestOTP(ctx context.Context, identifier string, channel Channel) (*RequestResult, error) {
	c.mu.Lock()
	if c.inflight["request:"+identifier] {
		c.mu.Unlock()
		return nil, ErrInFlight
	}

	if !c.limiter.TryConsume(identifier, c.config.DispatchLimit, c.config.DispatchWindow) {
		remaining := c.limiter.RemainingWait(identifier, c.config.DispatchWindow)
		c.mu.Unlock()
		return nil, model.NewRateLimitedError(ceilSeconds(remaining))
	}

	c.inflight["request:"+identifier] = true
	c.mu.Unlock()

	raw, err := c.exec.Execute(ctx, http.MethodPost, requestPath, map[string]string{
		"identifier": identifier,
		"channel":    string(channel),
	}, nil)

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, "request:"+identifier)

	if err != nil {
		return nil, fmt.Errorf("otp request failed: %w", err)
	}

	var res RequestResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to decode otp request response: %w", err)
	}

	now := c.now()
	c.records[identifier] = &AttemptRecord{
		AttemptsRemaining:     c.config.MaxVerifyAttempts,
		LastDispatchEpochMs:   now.UnixMilli(),
		ResendCooldownSeconds: int(c.config.ResendCooldown.Seconds()),
	}
	c.states[identifier] = StateRequested
	c.startCooldownTimer(identifier)

	c.metrics.RecordOTPDispatch(string(channel))
	c.logger.Info("otp dispatched",
		slog.String("channel", string(channel)),
	)
	return &res, nil
}

// VerifyOTP は受け取ったコードを検証する。
// 試行残数が0の場合はネットワーク呼び出しなしでLOCKEDとして拒否する。
// サーバーがコード不一致を確認した場合のみ試行残数を減らす。
// 成功時はStepResultを返し、トークンの保存や次ステップへの遷移は呼び出し元の責務。
func (c *Controller) VerifyOTP(ctx context.Context, identifier, code string, channel Channel) (*model.StepResult, error) {
	c.mu.Lock()
	rec, ok := c.records[identifier]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("no otp requested for this identifier")
	}
	if rec.AttemptsRemaining == 0 {
		c.states[identifier] = StateLocked
		c.mu.Unlock()
		return nil, model.NewOTPLockedError()
	}
	if c.inflight["verify:"+identifier] {
		c.mu.Unlock()
		return nil, ErrInFlight
	}
	c.inflight["verify:"+identifier] = true
	c.states[identifier] = StateVerifying
	c.mu.Unlock()

	raw, err := c.exec.Execute(ctx, http.MethodPost, verifyPath, map[string]string{
		"identifier": identifier,
		"code":       code,
		"channel":    string(channel),
	}, nil)

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, "verify:"+identifier)

	if err != nil {
		// 検証が電波上にある間に新しいOTPが発行されていたら、recは
		// 置き換え済みの孤児になっている。古い検証の失敗を新しい
		// 試行記録に数えてはならないので、そのままエラーだけ返す。
		if cur := c.records[identifier]; cur != rec {
			return nil, fmt.Errorf("otp verify failed: %w", err)
		}
		return nil, c.applyVerifyFailure(identifier, rec, err)
	}

	// 成功: 試行記録は役目を終える
	c.states[identifier] = StateVerified
	delete(c.records, identifier)
	c.cancelTimer(identifier)

	res, err := api.DecodeStepResult(raw, c.now())
	if err != nil {
		return nil, fmt.Errorf("failed to decode verify response: %w", err)
	}
	return res, nil
}

// ResendOTP はOTPの再送を要求する。クールダウンが明けていない場合は
// 残り待機秒数（cooldown − 経過秒）を含むRATE_LIMITEDエラーで拒否する。
func (c *Controller) ResendOTP(ctx context.Context, identifier string, channel Channel) (*RequestResult, error) {
	c.mu.Lock()
	if remaining := c.cooldownRemainingLocked(identifier); remaining > 0 {
		c.mu.Unlock()
		return nil, model.NewRateLimitedError(ceilSeconds(remaining))
	}
	c.mu.Unlock()

	return c.RequestOTP(ctx, identifier, channel)
}

// applyVerifyFailure は検証失敗をAttemptRecordに反映する。c.muを保持して呼ぶこと。
// コード不一致のみ試行残数を減らし、ネットワーク・サーバー障害や
// 期限切れでは減らさない（同じコードで再試行できる）。
func (c *Controller) applyVerifyFailure(identifier string, rec *AttemptRecord, err error) error {
	ae, ok := model.AsAuthError(err)
	if !ok || ae.Code != model.ErrCodeInvalidOTP {
		c.states[identifier] = StateRequested
		return fmt.Errorf("otp verify failed: %w", err)
	}

	if rec.AttemptsRemaining > 0 {
		rec.AttemptsRemaining--
	}
	rec.LastAttemptEpochMs = c.now().UnixMilli()
	c.metrics.RecordOTPVerifyFailure()

	if rec.AttemptsRemaining == 0 {
		c.states[identifier] = StateLocked
		c.logger.Warn("otp verification locked")
		return model.NewOTPLockedError()
	}

	c.states[identifier] = StateFailed
	return model.NewInvalidOTPError(rec.AttemptsRemaining)
}

// StateOf は識別子の現在状態を返す。
func (c *Controller) StateOf(identifier string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.states[identifier]; ok {
		return s
	}
	return StateIdle
}

// AttemptsRemaining は識別子の検証試行残数を返す。記録がない場合は0。
func (c *Controller) AttemptsRemaining(identifier string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.records[identifier]; ok {
		return rec.AttemptsRemaining
	}
	return 0
}

// ResendRemaining は再送可能になるまでの残り時間を返す。ポーリング用。
func (c *Controller) ResendRemaining(identifier string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cooldownRemainingLocked(identifier)
}

// Snapshot は試行記録の複製を返す。状態機械による永続化用。
func (c *Controller) Snapshot() map[string]AttemptRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]AttemptRecord, len(c.records))
	for id, rec := range c.records {
		out[id] = *rec
	}
	return out
}

// Restore は永続化された試行記録を復元する。プロセス再起動後の再開用。
func (c *Controller) Restore(records map[string]AttemptRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, rec := range records {
		r := rec
		c.records[id] = &r
		if r.AttemptsRemaining == 0 {
			c.states[id] = StateLocked
		} else {
			c.states[id] = StateRequested
		}
	}
}

// Reset は全ての試行記録・状態・タイマーを破棄する。
// ログアウトおよびサインアップやり直しで呼ばれる。
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, timer := range c.timers {
		timer.Stop()
		delete(c.timers, id)
	}
	c.records = make(map[string]*AttemptRecord)
	c.states = make(map[string]State)
}

// Close はコントローラを破棄する。進行中のクールダウンタイマーを全て止め、
// 破棄後の古い状態変異を防ぐ。
func (c *Controller) Close() {
	c.Reset()
}

// cooldownRemainingLocked はクールダウンの残り時間を返す。c.muを保持して呼ぶこと。
func (c *Controller) cooldownRemainingLocked(identifier string) time.Duration {
	rec, ok := c.records[identifier]
	if !ok || rec.LastDispatchEpochMs == 0 {
		return 0
	}
	elapsed := c.now().Sub(time.UnixMilli(rec.LastDispatchEpochMs))
	remaining := time.Duration(rec.ResendCooldownSeconds)*time.Second - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// startCooldownTimer は再送クールダウンのタイマーを開始する。c.muを保持して呼ぶこと。
func (c *Controller) startCooldownTimer(identifier string) {
	if t, ok := c.timers[identifier]; ok {
		t.Stop()
	}
	c.timers[identifier] = time.AfterFunc(c.config.ResendCooldown, func() {
		c.mu.Lock()
		fn := c.notify
		delete(c.timers, identifier)
		c.mu.Unlock()
		if fn != nil {
			fn(identifier)
		}
	})
}

// cancelTimer は識別子のクールダウンタイマーを止める。c.muを保持して呼ぶこと。
func (c *Controller) cancelTimer(identifier string) {
	if t, ok := c.timers[identifier]; ok {
		t.Stop()
		delete(c.timers, identifier)
	}
}

// ceilSeconds は残り時間を切り上げた秒数に変換する。
func ceilSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}
