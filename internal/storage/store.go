// Package storage はローカルレコードの永続化を提供する。
// 1レコード=1ファイルのJSON形式で、書き込みは一時ファイル経由のリネームにより
// アトミック（中途半端なレコードがディスクに残らない）。
// 32バイトの鍵が与えられた場合はAES-GCMでレコード全体を暗号化する。
package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ErrInvalidKeyLength は鍵長が32バイトでない場合に返される。
var ErrInvalidKeyLength = errors.New("storage key must be 32 bytes")

// Store はディレクトリ配下のキー付きJSONレコードを管理する。
// 書き込みはミューテックスで直列化され、最後の書き込みが勝つ。
type Store struct {
	dir string
	key []byte // nilなら平文保存

	mu sync.Mutex
}

// NewStore は指定ディレクトリのStoreを生成する。ディレクトリは0700で作成される。
// keyはnil（暗号化なし）または32バイトのAES鍵。
func NewStore(dir string, key []byte) (*Store, error) {
	if key != nil && len(key) != 32 {
		return nil, ErrInvalidKeyLength
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	return &Store{dir: dir, key: key}, nil
}

// Save はレコードをJSONにシリアライズしてアトミックに書き込む。
func (s *Store) Save(key string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record %q: %w", key, err)
	}

	if s.key != nil {
		data, err = seal(s.key, data)
		if err != nil {
			return fmt.Errorf("failed to encrypt record %q: %w", key, err)
		}
	}

	// 一時ファイルへ書いてからリネームする。リネームは同一ファイルシステム内で
	// アトミックなので、読み手が部分書き込みを観測することはない。
	path := s.path(key)
	tmp, err := os.CreateTemp(s.dir, key+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %q: %w", key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write record %q: %w", key, err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod record %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file for %q: %w", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename record %q: %w", key, err)
	}

	return nil
}

// Load はレコードを読み込んでvにデコードする。
// レコードが存在しない場合は(false, nil)を返す。
func (s *Store) Load(key string, v any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read record %q: %w", key, err)
	}

	if s.key != nil {
		data, err = open(s.key, data)
		if err != nil {
			return false, fmt.Errorf("failed to decrypt record %q: %w", key, err)
		}
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal record %q: %w", key, err)
	}
	return true, nil
}

// Clear はレコードを削除する。存在しない場合もエラーにしない。
func (s *Store) Clear(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove record %q: %w", key, err)
	}
	return nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// seal は平文をAES-GCMで暗号化する。出力はnonce || 暗号文。
func seal(key, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

// open はseal形式（nonce || 暗号文）の暗号文を復号する。
func open(key, blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcm.NonceSize() {
		return nil, errors.New("ciphertext shorter than nonce")
	}
	nonce, ciphertext := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
