package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/learnverse/backend/internal/models"
	"github.com/redis/go-redis/v9"
)

// SessionKey — фиксированный ключ записи сессии в локальном хранилище.
const SessionKey = "learnverse.wallet.session"

// Store persists the wallet-link session as a single blob.
// Load returns (nil, nil) when nothing usable is stored.
type Store interface {
	Load(ctx context.Context) (*models.WalletLinkSession, error)
	Save(ctx context.Context, s models.WalletLinkSession) error
	Clear(ctx context.Context) error
}

type record struct {
	Key     string                   `json:"key"`
	Session models.WalletLinkSession `json:"session"`
}

func encode(s models.WalletLinkSession) ([]byte, error) {
	return json.Marshal(record{Key: SessionKey, Session: s})
}

// decode treats malformed or foreign blobs as absent.
func decode(data []byte) *models.WalletLinkSession {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil
	}
	if r.Key != SessionKey {
		return nil
	}
	return &r.Session
}

// --- File ---

// FileStore keeps the session in one JSON file, replaced atomically on save.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Load(_ context.Context) (*models.WalletLinkSession, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decode(data), nil
}

func (f *FileStore) Save(_ context.Context, s models.WalletLinkSession) error {
	data, err := encode(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".session-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

func (f *FileStore) Clear(_ context.Context) error {
	err := os.Remove(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// --- Memory ---

type MemoryStore struct {
	mu   sync.Mutex
	data []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(_ context.Context) (*models.WalletLinkSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, nil
	}
	return decode(m.data), nil
}

func (m *MemoryStore) Save(_ context.Context, s models.WalletLinkSession) error {
	data, err := encode(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	m.data = nil
	m.mu.Unlock()
	return nil
}

// Raw returns the stored blob; nil when cleared.
func (m *MemoryStore) Raw() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data
}

// SetRaw replaces the stored blob as-is.
func (m *MemoryStore) SetRaw(data []byte) {
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
}

// --- Redis ---

// RedisStore keeps one session per owner under SessionKey:<owner>.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client, owner string) *RedisStore {
	return &RedisStore{client: client, key: SessionKey + ":" + owner}
}

func (r *RedisStore) Load(ctx context.Context) (*models.WalletLinkSession, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decode(data), nil
}

func (r *RedisStore) Save(ctx context.Context, s models.WalletLinkSession) error {
	data, err := encode(s)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key, data, 0).Err()
}

func (r *RedisStore) Clear(ctx context.Context) error {
	return r.client.Del(ctx, r.key).Err()
}
