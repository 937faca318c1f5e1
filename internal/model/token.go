package model

import "time"

// TokenPair はアクセストークンとリフレッシュトークンの組を表す。
// 有効期限の起点はIssuedAtであり、ローカルで減算したカウンタは信用しない。
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64 // 有効期間（秒）
	TokenType    string
	IssuedAt     time.Time
}

// ExpiresAt は権威ある失効時刻（IssuedAt + ExpiresIn秒）を返す。
func (p TokenPair) ExpiresAt() time.Time {
	return p.IssuedAt.Add(time.Duration(p.ExpiresIn) * time.Second)
}

// Valid は指定時刻においてアクセストークンが有効かどうかを返す。
func (p TokenPair) Valid(now time.Time) bool {
	return p.AccessToken != "" && p.RefreshToken != "" && now.Before(p.ExpiresAt())
}

// User は認証サーバーが返すユーザー情報を表す。
type User struct {
	ID     string `json:"id"`
	Mobile string `json:"mobile"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
}

// Identity はサインアップ時に確定する本人識別子を表す。
// モバイル番号が正準識別子で、メールは任意の追加属性。
// サインアップ開始後は「メール追加」遷移以外で変更されない。
type Identity struct {
	Mobile string `json:"mobile"`
	Email  string `json:"email,omitempty"`
}

// Session は導出されたセッション状態のスナップショットを表す。
// IsAuthenticatedは有効なTokenPairの存在から導出され、
// SessionValidはさらに30分の非活動ウィンドウ内であることを要求する。
type Session struct {
	IsAuthenticated   bool
	LastActivityEpoch int64 // 最終アクティビティ（エポックミリ秒）
	SessionValid      bool
}
