// Package api は認証バックエンドへのHTTP呼び出しを提供する。
// 統一ヘッダーの付与、障害の分類、指数バックオフによる有界リトライを含む。
package api

import "time"

// Class はHTTPステータスコードに基づく応答の分類。
type Class int

const (
	// ClassOK は成功（2xx）。
	ClassOK Class = iota
	// ClassClient はクライアント誤り（4xx）。リトライしない。
	ClassClient
	// ClassServer はサーバー障害（5xx）。リトライ対象。
	ClassServer
)

const (
	// defaultMaxAttempts はネットワーク・サーバー障害に対する総試行回数。
	defaultMaxAttempts = 3
	// defaultBackoffBase は指数バックオフの基底遅延。
	defaultBackoffBase = time.Second
)

// ClassifyStatus はHTTPステータスコードを応答分類に変換する。
func ClassifyStatus(statusCode int) Class {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return ClassOK
	case statusCode >= 500:
		return ClassServer
	default:
		return ClassClient
	}
}

// Backoff はリトライ回数に基づいて指数バックオフ遅延を計算する。
// base × 2^attempt（attemptは0始まり）。
func Backoff(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}
