package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// CredentialStore persists the long-lived refresh token. Implementations are
// assumed atomic and durable; Load returns "" with no error when nothing is
// stored.
type CredentialStore interface {
	Save(ctx context.Context, token string) error
	Load(ctx context.Context) (string, error)
	Clear(ctx context.Context) error
}

// MemoryStore keeps the token in process memory. Useful in tests and for
// hosts that wire a platform keychain elsewhere.
type MemoryStore struct {
	mu    sync.Mutex
	token string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Save(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

func (s *MemoryStore) Load(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	return nil
}

const (
	tokenFileName = "refresh_token"
	keyFileName   = "store.key"
)

// FileStore persists the refresh token under a private directory, sealed with
// ChaCha20-Poly1305 under a locally generated key. The key file and token
// file are both created 0600 inside a 0700 directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
	key []byte
}

// NewFileStore creates the storage directory and loads or generates the
// sealing key.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".config", "loopin")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create credential store directory: %w", err)
	}

	s := &FileStore{dir: dir}
	if err := s.loadOrCreateKey(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) loadOrCreateKey() error {
	path := filepath.Join(s.dir, keyFileName)
	key, err := os.ReadFile(path)
	if err == nil && len(key) == chacha20poly1305.KeySize {
		s.key = key
		return nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read store key: %w", err)
	}

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generate store key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return fmt.Errorf("write store key: %w", err)
	}
	s.key = key
	return nil
}

func (s *FileStore) Save(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(token), nil)

	path := filepath.Join(s.dir, tokenFileName)
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		return fmt.Errorf("write refresh token: %w", err)
	}
	return nil
}

func (s *FileStore) Load(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := os.ReadFile(filepath.Join(s.dir, tokenFileName))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read refresh token: %w", err)
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return "", errors.New("refresh token file truncated")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("unseal refresh token: %w", err)
	}
	return string(plain), nil
}

func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.dir, tokenFileName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove refresh token: %w", err)
	}
	return nil
}
