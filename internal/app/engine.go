package app

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/coinauth/internal/api"
	"github.com/hitoshi/coinauth/internal/config"
	"github.com/hitoshi/coinauth/internal/metrics"
	"github.com/hitoshi/coinauth/internal/otp"
	"github.com/hitoshi/coinauth/internal/ratelimit"
	"github.com/hitoshi/coinauth/internal/session"
	"github.com/hitoshi/coinauth/internal/storage"
	"github.com/hitoshi/coinauth/internal/token"
)

// Engine は認証エンジンの全コンポーネントを束ねた合成ルート。
// プロセス全体で1つだけ生成し、各画面・呼び出し元はここから参照する。
type Engine struct {
	Machine  *session.Machine
	Manager  *token.Manager
	Executor *api.Executor
	OTP      *otp.Controller

	limiter *ratelimit.Limiter
}

// BuildEngine は設定から認証エンジン一式をワイヤリングする。
func BuildEngine(cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (*Engine, error) {
	var rec metrics.Recorder = metrics.Nop{}
	if reg != nil {
		rec = metrics.NewCollector(reg)
	}

	records, err := storage.NewStore(cfg.StorageDir, cfg.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	deviceID, err := storage.EnsureDeviceID(records)
	if err != nil {
		return nil, fmt.Errorf("failed to establish device id: %w", err)
	}

	exec := api.NewExecutor(api.Config{
		BaseURL:      cfg.APIBaseURL,
		Platform:     cfg.Platform,
		ClientType:   cfg.ClientType,
		DeviceID:     deviceID,
		Timeout:      cfg.HTTPTimeout,
		MaxAttempts:  cfg.MaxRetries,
		BackoffBase:  cfg.BackoffBase,
		RequestRate:  cfg.RequestRate,
		RequestBurst: cfg.RequestBurst,
	}, logger, rec)

	limiter := ratelimit.NewLimiter(ratelimit.DefaultConfig())

	otpCtrl := otp.NewController(exec, limiter, otp.Config{
		MaxVerifyAttempts: cfg.OTPMaxAttempts,
		DispatchLimit:     cfg.OTPDispatchLimit,
		DispatchWindow:    cfg.OTPDispatchWindow,
		ResendCooldown:    cfg.OTPResendCooldown,
	}, logger, rec)

	tokens := token.NewStore(records)
	manager := token.NewManager(tokens, exec, cfg.RefreshBuffer, logger, rec)
	exec.SetTokenSource(manager)

	machine := session.NewMachine(exec, tokens, manager, otpCtrl, records, cfg.SessionIdleWindow, logger)

	return &Engine{
		Machine:  machine,
		Manager:  manager,
		Executor: exec,
		OTP:      otpCtrl,
		limiter:  limiter,
	}, nil
}

// Close はバックグラウンドのタイマー・クリーンアップループを停止する。
func (e *Engine) Close() {
	e.OTP.Close()
	e.limiter.Stop()
}
