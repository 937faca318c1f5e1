// Package session はサインアップ／ログインのフロー全体を統括する状態機械を提供する。
// ステップ遷移・認証フラグ・セッション活動の追跡を所有し、
// OTP制御・トークン管理・実行器を合成して1つの公開面にまとめる。
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/coinauth/internal/api"
	"github.com/hitoshi/coinauth/internal/model"
	"github.com/hitoshi/coinauth/internal/otp"
	"github.com/hitoshi/coinauth/internal/storage"
	"github.com/hitoshi/coinauth/internal/token"
)

const (
	loginMobilePath = "/auth/login/mobile"
	loginEmailPath  = "/auth/login/email"
	loginOAuthPath  = "/auth/login/oauth"
	passwordPath    = "/auth/signup/setup-password"
	logoutPath      = "/auth/logout"

	stateKey = "auth_state"
)

// requestExecutor は状態機械が直接呼ぶエンドポイントに必要なインターフェース。
type requestExecutor interface {
	Execute(ctx context.Context, method, path string, body any, headers map[string]string) (json.RawMessage, error)
}

// tokenManager はリフレッシュ要求の委譲先。token.Managerの部分集合。
type tokenManager interface {
	ValidAccessToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// otpController はOTPフローの委譲先。otp.Controllerの部分集合。
type otpController interface {
	RequestOTP(ctx context.Context, identifier string, channel otp.Channel) (*otp.RequestResult, error)
	VerifyOTP(ctx context.Context, identifier, code string, channel otp.Channel) (*model.StepResult, error)
	ResendOTP(ctx context.Context, identifier string, channel otp.Channel) (*otp.RequestResult, error)
	Snapshot() map[string]otp.AttemptRecord
	Restore(records map[string]otp.AttemptRecord)
	Reset()
}

// persistedState はプロセス再起動をまたいで保存される状態機械の記録。
// トークン本体は別キーでToken Storeが所有する。
type persistedState struct {
	Progress            model.Progress               `json:"progress"`
	PendingIdentifier   string                       `json:"pending_identifier,omitempty"`
	PendingChannel      otp.Channel                  `json:"pending_channel,omitempty"`
	OTPRecords          map[string]otp.AttemptRecord `json:"otp_records,omitempty"`
	LastActivityEpochMs int64                        `json:"last_activity_epoch_ms"`
}

// Machine はサインアップとセッションの状態機械。
// ステップは通常フローで単調に前進し、後退は明示的なLogoutのみが行う。
type Machine struct {
	exec    requestExecutor
	tokens  *token.Store
	manager tokenManager
	otp     otpController
	records *storage.Store
	logger  *slog.Logger

	idleWindow time.Duration

	mu                sync.Mutex
	progress          model.Progress
	pendingIdentifier string
	pendingChannel    otp.Channel
	lastActivityMs    int64

	// now はテストで時刻を差し替えるためのフック。
	now func() time.Time
}

// NewMachine はMachineを生成する。initializeはInitializeAuthで別途行う。
func NewMachine(exec requestExecutor, tokens *token.Store, manager tokenManager, otpCtrl otpController, records *storage.Store, idleWindow time.Duration, logger *slog.Logger) *Machine {
	return &Machine{
		exec:       exec,
		tokens:     tokens,
		manager:    manager,
		otp:        otpCtrl,
		records:    records,
		logger:     logger,
		idleWindow: idleWindow,
		progress:   model.NewProgress(),
		now:        time.Now,
	}
}

// InitializeAuth はプロセス起動時の状態復元を行う。
// 永続化された進行状態・OTP試行記録・最終アクティビティを読み戻し、
// 保存済みトークンの有効性から認証フラグを導出する。
func (m *Machine) InitializeAuth(ctx context.Context) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st persistedState
	found, err := m.records.Load(stateKey, &st)
	if err != nil {
		return model.Session{}, fmt.Errorf("failed to restore auth state: %w", err)
	}
	if found {
		m.progress = st.Progress
		m.pendingIdentifier = st.PendingIdentifier
		m.pendingChannel = st.PendingChannel
		m.lastActivityMs = st.LastActivityEpochMs
		if len(st.OTPRecords) > 0 {
			m.otp.Restore(st.OTPRecords)
		}
	}

	pair, err := m.tokens.Load()
	if err != nil {
		return model.Session{}, fmt.Errorf("failed to restore token pair: %w", err)
	}

	m.logger.Info("auth state initialized",
		slog.String("step", string(m.progress.Step)),
		slog.Bool("authenticated", pair != nil),
	)
	return m.sessionLocked(), nil
}

// InitiateSignup はモバイル番号でサインアップを開始する。
// OTPの送信に成功した場合のみOTPステップへ遷移する。
func (m *Machine) InitiateSignup(ctx context.Context, mobile string) (*otp.RequestResult, error) {
	m.mu.Lock()
	if m.progress.Step != model.StepMobile {
		step := m.progress.Step
		m.mu.Unlock()
		return nil, fmt.Errorf("signup already in progress at step %s", step)
	}
	m.mu.Unlock()

	res, err := m.otp.RequestOTP(ctx, mobile, otp.ChannelSMS)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress.Identity.Mobile = mobile
	m.progress.Step = model.StepOTP
	m.pendingIdentifier = mobile
	m.pendingChannel = otp.ChannelSMS
	m.touchLocked()
	if err := m.persistLocked(); err != nil {
		return nil, err
	}
	return res, nil
}

// VerifyOTPStep は検証待ちの識別子に対してコードを検証する。
// 検証失敗は進行状態を変更しない（試行残数はOTP制御が所有する）。
// 成功時はレスポンスの形に応じて次ステップへ進むか、トークンを保存して
// セッションを有効化する。トークンの保存は認証フラグ反転より先に行う。
func (m *Machine) VerifyOTPStep(ctx context.Context, code string) (*model.StepResult, error) {
	m.mu.Lock()
	if m.progress.Step != model.StepOTP && m.progress.Step != model.StepEmail {
		step := m.progress.Step
		m.mu.Unlock()
		return nil, fmt.Errorf("no verification pending at step %s", step)
	}
	identifier := m.pendingIdentifier
	channel := m.pendingChannel
	m.mu.Unlock()

	res, err := m.otp.VerifyOTP(ctx, identifier, code, channel)
	if err != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		if perr := m.persistLocked(); perr != nil {
			m.logger.Warn("failed to persist auth state", slog.String("error", perr.Error()))
		}
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if channel == otp.ChannelEmail {
		m.progress.EmailVerified = true
	} else {
		m.progress.MobileVerified = true
	}
	m.pendingIdentifier = ""
	m.pendingChannel = ""

	switch res.Kind {
	case model.StepResultActivated:
		if err := m.activateLocked(*res.Tokens); err != nil {
			return nil, err
		}
	default:
		m.progress.Step = res.NextStep
	}

	m.touchLocked()
	if err := m.persistLocked(); err != nil {
		return nil, err
	}
	return res, nil
}

// SetupPassword はパスワードを設定する。
// 失敗（ACCOUNT_EXISTSを含む）は進行状態を変更せず、OTPの再検証なしに
// 同じステップを再試行できる。
func (m *Machine) SetupPassword(ctx context.Context, password, confirm string) (*model.StepResult, error) {
	m.mu.Lock()
	if m.progress.Step != model.StepPassword {
		step := m.progress.Step
		m.mu.Unlock()
		return nil, fmt.Errorf("password setup not available at step %s", step)
	}
	identifier := m.progress.Identity.Mobile
	m.mu.Unlock()

	if password != confirm {
		return nil, &model.AuthError{
			Kind:       model.KindClient,
			Code:       "PASSWORD_MISMATCH",
			Message:    "パスワードが一致しません。",
			Category:   "signup",
			Action:     "同じパスワードを2回入力してください。",
			HTTPStatus: http.StatusBadRequest,
		}
	}

	raw, err := m.exec.Execute(ctx, http.MethodPost, passwordPath, map[string]string{
		"identifier":      identifier,
		"password":        password,
		"confirmPassword": confirm,
	}, nil)
	if err != nil {
		return nil, err
	}

	res, err := api.DecodeStepResult(raw, m.now())
	if err != nil {
		return nil, fmt.Errorf("failed to decode password setup response: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress.PasswordSet = true

	switch res.Kind {
	case model.StepResultActivated:
		if err := m.activateLocked(*res.Tokens); err != nil {
			return nil, err
		}
	default:
		m.progress.Step = res.NextStep
	}

	m.touchLocked()
	if err := m.persistLocked(); err != nil {
		return nil, err
	}
	return res, nil
}

// AddEmailStep は任意のメール追加ステップを開始する。
// モバイル検証後、サインアップ完了前にのみ許可され、メール宛のOTP送信に
// 成功するとEMAILステップへ移る。検証はVerifyOTPStepが引き継ぐ。
func (m *Machine) AddEmailStep(ctx context.Context, email string) (*otp.RequestResult, error) {
	m.mu.Lock()
	if !m.progress.MobileVerified || m.progress.Step == model.StepComplete {
		step := m.progress.Step
		m.mu.Unlock()
		return nil, fmt.Errorf("email step not available at step %s", step)
	}
	m.mu.Unlock()

	res, err := m.otp.RequestOTP(ctx, email, otp.ChannelEmail)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress.Identity.Email = email
	m.progress.Step = model.StepEmail
	m.pendingIdentifier = email
	m.pendingChannel = otp.ChannelEmail
	m.touchLocked()
	if err := m.persistLocked(); err != nil {
		return nil, err
	}
	return res, nil
}

// ResendOTP は検証待ちの識別子へOTPを再送する。
func (m *Machine) ResendOTP(ctx context.Context) (*otp.RequestResult, error) {
	m.mu.Lock()
	identifier := m.pendingIdentifier
	channel := m.pendingChannel
	m.mu.Unlock()
	if identifier == "" {
		return nil, fmt.Errorf("no verification pending")
	}
	return m.otp.ResendOTP(ctx, identifier, channel)
}

// Login は既存アカウントでログインする。識別子に@を含む場合はメール、
// それ以外はモバイルのエンドポイントを使う。
func (m *Machine) Login(ctx context.Context, identifier, password string) (*model.StepResult, error) {
	path := loginMobilePath
	if strings.Contains(identifier, "@") {
		path = loginEmailPath
	}
	return m.login(ctx, path, map[string]string{
		"identifier": identifier,
		"password":   password,
	})
}

// LoginOAuth は外部IDプロバイダのトークンでログインする。
func (m *Machine) LoginOAuth(ctx context.Context, provider, providerToken string) (*model.StepResult, error) {
	return m.login(ctx, loginOAuthPath, map[string]string{
		"provider": provider,
		"token":    providerToken,
	})
}

func (m *Machine) login(ctx context.Context, path string, body map[string]string) (*model.StepResult, error) {
	raw, err := m.exec.Execute(ctx, http.MethodPost, path, body, nil)
	if err != nil {
		return nil, err
	}

	res, err := api.DecodeStepResult(raw, m.now())
	if err != nil {
		return nil, fmt.Errorf("failed to decode login response: %w", err)
	}
	if res.Kind != model.StepResultActivated {
		return nil, fmt.Errorf("login response did not include a token pair")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.activateLocked(*res.Tokens); err != nil {
		return nil, err
	}
	if res.User != nil {
		m.progress.Identity.Mobile = res.User.Mobile
		m.progress.Identity.Email = res.User.Email
	}
	m.touchLocked()
	if err := m.persistLocked(); err != nil {
		return nil, err
	}
	return res, nil
}

// Logout はセッションを終了し、状態機械をMOBILEへ戻す。
// サーバー側の失効は投げ切り（ベストエフォート）で、その成否に関わらず
// ローカルのトークン破棄・OTPタイマー停止・進行リセットを必ず実行する。
// 冪等であり、2回連続で呼んでも同じ終端状態になる。
func (m *Machine) Logout(ctx context.Context) error {
	if pair, err := m.tokens.LoadForRefresh(); err == nil && pair != nil {
		if _, err := m.exec.Execute(ctx, http.MethodPost, logoutPath, nil, map[string]string{
			"Authorization": "Bearer " + pair.AccessToken,
		}); err != nil {
			m.logger.Warn("server-side logout failed, clearing local session anyway",
				slog.String("error", err.Error()),
			)
		}
	}

	m.otp.Reset()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.tokens.Clear(); err != nil {
		return fmt.Errorf("failed to clear token store: %w", err)
	}
	m.progress = model.NewProgress()
	m.pendingIdentifier = ""
	m.pendingChannel = ""
	m.lastActivityMs = 0
	if err := m.persistLocked(); err != nil {
		return err
	}

	m.logger.Info("logged out")
	return nil
}

// RefreshIfNeeded は有効なアクセストークンを返し、必要ならリフレッシュする。
// セッションが回復不能（ErrNoSession）の場合は認証フラグを落とす。
// 認証付き購読やハンドシェイクのトークン供給点としても使う。
func (m *Machine) RefreshIfNeeded(ctx context.Context) (string, error) {
	access, err := m.manager.ValidAccessToken(ctx)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.touchLocked()
	m.mu.Unlock()
	return access, nil
}

// Touch はユーザー活動を記録する。セッション有効性の30分ウィンドウの起点。
func (m *Machine) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLocked()
	if err := m.persistLocked(); err != nil {
		m.logger.Warn("failed to persist activity", slog.String("error", err.Error()))
	}
}

// Session は現在のセッション状態のスナップショットを返す。
func (m *Machine) Session() model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionLocked()
}

// Step は現在のサインアップステップを返す。
func (m *Machine) Step() model.RegistrationStep {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress.Step
}

// Progress は進行状態の複製を返す。
func (m *Machine) Progress() model.Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress
}

// activateLocked はトークンを保存してからセッションを有効化する。
// 保存に失敗した場合、セッションは有効化されない。m.muを保持して呼ぶこと。
func (m *Machine) activateLocked(pair model.TokenPair) error {
	if err := m.tokens.Save(pair); err != nil {
		return fmt.Errorf("failed to save token pair: %w", err)
	}
	m.progress.Step = model.StepComplete
	return nil
}

// sessionLocked はセッション状態を導出する。m.muを保持して呼ぶこと。
// IsAuthenticatedはキャッシュしたフラグではなく、失効していないTokenPairの
// 存在からその都度導出する。失効を観測するための遷移や呼び出しは必要ない。
func (m *Machine) sessionLocked() model.Session {
	pair, err := m.tokens.Load()
	authenticated := err == nil && pair != nil

	valid := authenticated &&
		m.lastActivityMs > 0 &&
		m.now().Sub(time.UnixMilli(m.lastActivityMs)) <= m.idleWindow
	return model.Session{
		IsAuthenticated:   authenticated,
		LastActivityEpoch: m.lastActivityMs,
		SessionValid:      valid,
	}
}

func (m *Machine) touchLocked() {
	m.lastActivityMs = m.now().UnixMilli()
}

// persistLocked は状態機械の記録を保存する。m.muを保持して呼ぶこと。
func (m *Machine) persistLocked() error {
	st := persistedState{
		Progress:            m.progress,
		PendingIdentifier:   m.pendingIdentifier,
		PendingChannel:      m.pendingChannel,
		OTPRecords:          m.otp.Snapshot(),
		LastActivityEpochMs: m.lastActivityMs,
	}
	if err := m.records.Save(stateKey, st); err != nil {
		return fmt.Errorf("failed to persist auth state: %w", err)
	}
	return nil
}
