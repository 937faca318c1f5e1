// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ErrorKind は障害の分類を表す。リトライ可否の判断に使う。
type ErrorKind int

const (
	// KindNetwork は応答が到達しなかった障害（接続失敗・タイムアウト）。
	KindNetwork ErrorKind = iota
	// KindServer はサーバー側の障害（5xx）。
	KindServer
	// KindClient はクライアント側の誤り（4xx、ドメインコード付き）。
	KindClient
)

// AuthError は認証エンジンの統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type AuthError struct {
	Kind       ErrorKind
	Code       string // エラーコード
	Message    string // エラーメッセージ
	Category   string // カテゴリ: auth, otp, validation, rate_limit, system
	Action     string // ユーザー向け対処方法
	HTTPStatus int    // 対応するHTTPステータス（ローカル判定エラーでは0）
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Retryable は自動リトライの対象かどうかを返す。
// ネットワーク障害と5xxのみリトライ対象で、4xxは即時に失敗を確定させる。
func (e *AuthError) Retryable() bool {
	return e.Kind != KindClient
}

// 定義済みエラーコード
const (
	ErrCodeInvalidOTP         = "INVALID_OTP"
	ErrCodeOTPExpired         = "OTP_EXPIRED"
	ErrCodeOTPLocked          = "OTP_LOCKED"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeAccountExists      = "ACCOUNT_EXISTS"
	ErrCodeTokenInvalid       = "TOKEN_INVALID"
	ErrCodeNetworkFailure     = "NETWORK_FAILURE"
	ErrCodeServerUnavailable  = "SERVER_UNAVAILABLE"
)

// AsAuthError はerrからAuthErrorを取り出す。ラップされていても辿る。
func AsAuthError(err error) (*AuthError, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// NewInvalidOTPError はOTPコード不一致エラーを生成する。
func NewInvalidOTPError(attemptsRemaining int) *AuthError {
	return &AuthError{
		Kind:       KindClient,
		Code:       ErrCodeInvalidOTP,
		Message:    fmt.Sprintf("認証コードが一致しません（残り%d回）。", attemptsRemaining),
		Category:   "otp",
		Action:     "送信された認証コードを確認して再入力してください。",
		HTTPStatus: 400,
	}
}

// NewOTPExpiredError はOTPコード期限切れエラーを生成する。
func NewOTPExpiredError() *AuthError {
	return &AuthError{
		Kind:       KindClient,
		Code:       ErrCodeOTPExpired,
		Message:    "認証コードの有効期限が切れています。",
		Category:   "otp",
		Action:     "認証コードを再送信してください。",
		HTTPStatus: 400,
	}
}

// NewOTPLockedError は試行回数を使い切った状態での検証拒否エラーを生成する。
// ネットワーク呼び出しを伴わないローカル判定。
func NewOTPLockedError() *AuthError {
	return &AuthError{
		Kind:     KindClient,
		Code:     ErrCodeOTPLocked,
		Message:  "認証コードの試行回数が上限に達しました。",
		Category: "otp",
		Action:   "新しい認証コードを要求してください。",
	}
}

// NewRateLimitedError はレート制限エラーを生成する。
// 残り待機時間（秒）を正確にメッセージへ含める。
func NewRateLimitedError(remainingSeconds int) *AuthError {
	return &AuthError{
		Kind:     KindClient,
		Code:     ErrCodeRateLimited,
		Message:  fmt.Sprintf("リクエストが多すぎます。あと%d秒お待ちください。", remainingSeconds),
		Category: "rate_limit",
		Action:   fmt.Sprintf("%d秒後に再度お試しください。", remainingSeconds),
	}
}

// NewInvalidCredentialsError は認証情報不一致エラーを生成する。
func NewInvalidCredentialsError() *AuthError {
	return &AuthError{
		Kind:       KindClient,
		Code:       ErrCodeInvalidCredentials,
		Message:    "IDまたはパスワードが正しくありません。",
		Category:   "auth",
		Action:     "入力内容を確認して再度お試しください。",
		HTTPStatus: 401,
	}
}

// NewAccountExistsError はアカウント重複エラーを生成する。
// 登録完了済みアカウントでのパスワード設定試行もこのエラーで拒否する。
func NewAccountExistsError() *AuthError {
	return &AuthError{
		Kind:       KindClient,
		Code:       ErrCodeAccountExists,
		Message:    "このアカウントは既に登録が完了しています。",
		Category:   "auth",
		Action:     "ログイン画面からサインインしてください。",
		HTTPStatus: 409,
	}
}

// NewTokenInvalidError はトークン無効エラーを生成する。
// リフレッシュ失敗後のセッション喪失を表し、再ログインが必要。
func NewTokenInvalidError() *AuthError {
	return &AuthError{
		Kind:       KindClient,
		Code:       ErrCodeTokenInvalid,
		Message:    "セッションの有効期限が切れました。",
		Category:   "auth",
		Action:     "再度ログインしてください。",
		HTTPStatus: 401,
	}
}

// NewNetworkError はネットワーク障害エラーを生成する。
// リトライ予算を使い切った後に呼び出し元へ一度だけ提示される。
func NewNetworkError(reason string) *AuthError {
	return &AuthError{
		Kind:     KindNetwork,
		Code:     ErrCodeNetworkFailure,
		Message:  fmt.Sprintf("通信に失敗しました: %s", reason),
		Category: "system",
		Action:   "通信環境を確認し、しばらく待ってから再度お試しください。",
	}
}

// NewServerError はサーバー障害エラーを生成する。
func NewServerError(status int) *AuthError {
	return &AuthError{
		Kind:       KindServer,
		Code:       ErrCodeServerUnavailable,
		Message:    fmt.Sprintf("サーバーが応答できませんでした（ステータス %d）。", status),
		Category:   "system",
		Action:     "しばらく待ってから再度お試しください。",
		HTTPStatus: status,
	}
}

// NewClientError は任意のドメインコードを持つ4xxエラーを生成する。
// サーバーが返したコードとメッセージをそのまま保持する。
func NewClientError(status int, code, message string) *AuthError {
	if code == "" {
		code = fmt.Sprintf("HTTP_%d", status)
	}
	return &AuthError{
		Kind:       KindClient,
		Code:       code,
		Message:    message,
		Category:   "auth",
		Action:     "入力内容を確認して再度お試しください。",
		HTTPStatus: status,
	}
}
