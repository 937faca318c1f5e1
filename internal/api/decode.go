package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/coinauth/internal/model"
)

// tokenPayload はトークンを含むレスポンスのフィールド集合。
// verify-otp等はトップレベルに平置きで、login系はtokensの下にネストして返す。
type tokenPayload struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	TokenType    string `json:"tokenType"`
}

// stepPayload は検証・設定系エンドポイントの成功レスポンスボディ。
type stepPayload struct {
	tokenPayload
	Tokens                         *tokenPayload `json:"tokens"`
	User                           *model.User   `json:"user"`
	Message                        string        `json:"message"`
	RequiresAdditionalVerification bool          `json:"requiresAdditionalVerification"`
	NextStep                       string        `json:"nextStep"`
}

// DecodeStepResult は成功レスポンスをタグ付きのStepResultに変換する。
// ペイロードの形のばらつき（トークン平置き・ネスト・トークンなし）は
// ここで一度だけ吸収し、呼び出し側にフィールド有無の判定を散らさない。
func DecodeStepResult(raw json.RawMessage, now time.Time) (*model.StepResult, error) {
	var p stepPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode step result: %w", err)
	}

	tokens := p.tokenPayload
	if p.Tokens != nil {
		tokens = *p.Tokens
	}

	if p.RequiresAdditionalVerification || tokens.AccessToken == "" {
		next := model.RegistrationStep(p.NextStep)
		if next == "" {
			next = model.StepPassword
		}
		return &model.StepResult{
			Kind:     model.StepResultPendingStep,
			User:     p.User,
			NextStep: next,
			Message:  p.Message,
		}, nil
	}

	if tokens.RefreshToken == "" {
		return nil, fmt.Errorf("malformed token payload: access token without refresh token")
	}

	tokenType := tokens.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	return &model.StepResult{
		Kind: model.StepResultActivated,
		Tokens: &model.TokenPair{
			AccessToken:  tokens.AccessToken,
			RefreshToken: tokens.RefreshToken,
			ExpiresIn:    tokens.ExpiresIn,
			TokenType:    tokenType,
			IssuedAt:     now,
		},
		User:    p.User,
		Message: p.Message,
	}, nil
}
