package model

// RegistrationStep はサインアップフローの現在ステップを表す。
// 通常フローでは単調に前進し、明示的なログアウト／やり直し以外で後退しない。
type RegistrationStep string

const (
	// StepMobile はモバイル番号入力ステップ。サインアップの起点。
	StepMobile RegistrationStep = "MOBILE"
	// StepOTP は認証コード検証ステップ。
	StepOTP RegistrationStep = "OTP"
	// StepEmail は任意のメール追加ステップ。
	StepEmail RegistrationStep = "EMAIL"
	// StepPassword はパスワード設定ステップ。
	StepPassword RegistrationStep = "PASSWORD"
	// StepProfile はプロフィール入力ステップ。
	StepProfile RegistrationStep = "PROFILE"
	// StepComplete はサインアップ完了。このサインアップにおける終端状態。
	StepComplete RegistrationStep = "COMPLETE"
)

// Progress はサインアップの進行状態を表す。
// プロセス再起動をまたいで永続化され、中断したサインアップは正しいステップから再開する。
type Progress struct {
	Step            RegistrationStep `json:"step"`
	Identity        Identity         `json:"identity"`
	MobileVerified  bool             `json:"mobile_verified"`
	EmailVerified   bool             `json:"email_verified"`
	ProfileComplete bool             `json:"profile_complete"`
	PasswordSet     bool             `json:"password_set"`
}

// NewProgress はサインアップ開始時の初期進行状態を返す。
func NewProgress() Progress {
	return Progress{Step: StepMobile}
}

// StepResultKind は検証系レスポンスの成功形を表す。
// 成功ペイロードの形が2種類あるため、フィールド有無のアドホック判定ではなく
// 実行器境界で一度だけ判別したタグ付きの結果として扱う。
type StepResultKind string

const (
	// StepResultActivated はトークンが発行されセッションが有効化されたことを示す。
	StepResultActivated StepResultKind = "activated"
	// StepResultPendingStep は追加ステップ（パスワード設定等）が残っていることを示す。
	StepResultPendingStep StepResultKind = "pendingStep"
)

// StepResult は検証・設定系エンドポイントの成功結果を表すタグ付き共用体。
type StepResult struct {
	Kind     StepResultKind
	Tokens   *TokenPair
	User     *User
	NextStep RegistrationStep
	Message  string
}
