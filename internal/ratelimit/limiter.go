// Package ratelimit は識別子ごとのスライディングウィンドウ式試行回数制限を提供する。
package ratelimit

import (
	"sync"
	"time"
)

// Config はレート制限の設定を保持する。
type Config struct {
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
	EntryTTL        time.Duration // 最終試行からエントリを破棄するまでの時間
}

// DefaultConfig はデフォルトのレート制限設定を返す。
// EntryTTLは最長ウィンドウ（OTP送信の1時間）より十分長く取る。
// ウィンドウ途中のエントリを消すと制限がリセットされてしまうため。
func DefaultConfig() Config {
	return Config{
		CleanupInterval: 10 * time.Minute,
		EntryTTL:        2 * time.Hour,
	}
}

// entry は識別子ごとのウィンドウ内試行回数と最終試行時刻を保持する。
type entry struct {
	count       int
	lastAttempt time.Time
}

// Limiter は識別子（モバイル番号・メールアドレス）ごとの試行回数を
// スライディングウィンドウで制限する。カウンタはLimiterの内部状態であり、
// 他コンポーネントから読み書きしてはならない。
type Limiter struct {
	config Config

	mu      sync.Mutex
	entries map[string]*entry

	stopCh chan struct{}

	// now はテストで時刻を差し替えるためのフック。
	now func() time.Time
}

// NewLimiter は新しいLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewLimiter(config Config) *Limiter {
	l := &Limiter{
		config:  config,
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}

	go l.cleanupLoop()

	return l
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (l *Limiter) Stop() {
	close(l.stopCh)
}

// TryConsume は識別子がウィンドウ内でmaxAttempts回未満の試行であれば
// カウンタを進めてtrueを返す。上限に達している場合は副作用なしにfalseを返す。
// ウィンドウは遅延リセットされる: 最終試行からwindowを超えて経過していれば
// 次の呼び出しでカウンタは1から数え直す。
func (l *Limiter) TryConsume(identifier string, maxAttempts int, window time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	e, exists := l.entries[identifier]
	if !exists || now.Sub(e.lastAttempt) > window {
		l.entries[identifier] = &entry{count: 1, lastAttempt: now}
		return true
	}

	if e.count >= maxAttempts {
		return false
	}

	e.count++
	e.lastAttempt = now
	return true
}

// RemainingWait はウィンドウが開くまでの残り待機時間を返す。
// 制限中でない識別子に対しては0を返す。
func (l *Limiter) RemainingWait(identifier string, window time.Duration) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, exists := l.entries[identifier]
	if !exists {
		return 0
	}

	remaining := window - l.now().Sub(e.lastAttempt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// EntryCount は現在管理されているエントリ数を返す。テストおよびメトリクス用。
func (l *Limiter) EntryCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			return
		}
	}
}

// cleanup は最終試行時刻がEntryTTLを超えたエントリを削除する。
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for id, e := range l.entries {
		if now.Sub(e.lastAttempt) > l.config.EntryTTL {
			delete(l.entries, id)
		}
	}
}
