// Package token はトークンペアの永続化とライフサイクル管理を提供する。
package token

import (
	"fmt"
	"time"

	"github.com/hitoshi/coinauth/internal/model"
	"github.com/hitoshi/coinauth/internal/storage"
)

// recordKey はトークンペアを保存するストレージキー。
const recordKey = "token_pair"

// storedRecord はディスクに保存されるトークンレコード。
type storedRecord struct {
	AccessToken     string `json:"accessToken"`
	RefreshToken    string `json:"refreshToken"`
	ExpiresIn       int64  `json:"expiresIn"`
	TokenType       string `json:"tokenType"`
	StoredAtEpochMs int64  `json:"storedAtEpochMs"`
}

// Store はトークンペアの純粋な永続化層。ネットワーク呼び出しは行わない。
// 書き込みはレコード単位のみで、アクセストークンとリフレッシュトークンが
// 片方だけ保存されることはない。
type Store struct {
	records *storage.Store

	// now はテストで時刻を差し替えるためのフック。
	now func() time.Time
}

// NewStore はStoreを生成する。
func NewStore(records *storage.Store) *Store {
	return &Store{records: records, now: time.Now}
}

// Save はトークンペアを保存する。不完全なペアは拒否する。
func (s *Store) Save(pair model.TokenPair) error {
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return fmt.Errorf("refusing to save partial token pair")
	}

	rec := storedRecord{
		AccessToken:     pair.AccessToken,
		RefreshToken:    pair.RefreshToken,
		ExpiresIn:       pair.ExpiresIn,
		TokenType:       pair.TokenType,
		StoredAtEpochMs: pair.IssuedAt.UnixMilli(),
	}
	return s.records.Save(recordKey, rec)
}

// Load は保存済みのトークンペアを返す。
// レコードが存在しない、または保存時刻基準の失効時刻を過ぎている場合はnilを返す
// （失効済みアクセストークンを決して手渡さない）。
func (s *Store) Load() (*model.TokenPair, error) {
	pair, err := s.LoadForRefresh()
	if err != nil {
		return nil, err
	}
	if pair == nil || !s.now().Before(pair.ExpiresAt()) {
		return nil, nil
	}
	return pair, nil
}

// LoadForRefresh はアクセストークンの失効に関わらず保存済みレコードを返す。
// リフレッシュトークンはアクセストークンより長命なため、失効済みレコードでも
// リフレッシュの材料として有効。トークンマネージャー専用で、他の呼び出し元は
// Loadを使うこと。
func (s *Store) LoadForRefresh() (*model.TokenPair, error) {
	var rec storedRecord
	found, err := s.records.Load(recordKey, &rec)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	return &model.TokenPair{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		ExpiresIn:    rec.ExpiresIn,
		TokenType:    rec.TokenType,
		IssuedAt:     time.UnixMilli(rec.StoredAtEpochMs),
	}, nil
}

// Clear は保存済みトークンペアを削除する。存在しなくてもエラーにしない。
func (s *Store) Clear() error {
	return s.records.Clear(recordKey)
}
