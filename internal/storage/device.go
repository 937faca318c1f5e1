package storage

import (
	"fmt"

	"github.com/google/uuid"
)

// deviceKey はデバイスIDを保存するストレージキー。
const deviceKey = "device_id"

// deviceRecord は永続化されるデバイス識別子。
type deviceRecord struct {
	ID string `json:"id"`
}

// EnsureDeviceID はインストール単位で安定したデバイスIDを返す。
// 初回呼び出しで生成・永続化し、以降は同じIDを返す。
// ハードウェア固有のIDはモバイルではアプリ層からしか取れないため、
// 生成したUUIDをインストール識別子として使う。
func EnsureDeviceID(s *Store) (string, error) {
	var rec deviceRecord
	found, err := s.Load(deviceKey, &rec)
	if err != nil {
		return "", fmt.Errorf("failed to load device id: %w", err)
	}
	if found && rec.ID != "" {
		return rec.ID, nil
	}

	rec.ID = uuid.New().String()
	if err := s.Save(deviceKey, rec); err != nil {
		return "", fmt.Errorf("failed to persist device id: %w", err)
	}
	return rec.ID, nil
}
