package token

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Subject はアクセストークン（JWT）のsubクレームを署名検証なしで取り出す。
// 表示用途のみ。認可判断はサーバー側の検証に委ね、クライアントは
// クレームを信用しない（有効期限もStoredAt+ExpiresInを権威とする）。
func Subject(rawToken string) (string, error) {
	parser := jwt.NewParser()
	tok, _, err := parser.ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return "", fmt.Errorf("failed to parse access token: %w", err)
	}
	sub, err := tok.Claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("access token has no subject claim: %w", err)
	}
	return sub, nil
}
