package mtproto

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/gotd/td/session"
)

// credentialStorage is a session.Storage backed by the credential string
// kept in the config file (base64 of gotd's session JSON).
type credentialStorage struct {
	mu   sync.Mutex
	data []byte
}

func newCredentialStorage(credential string) (*credentialStorage, error) {
	data, err := decodeCredential(credential)
	if err != nil {
		return nil, err
	}
	return &credentialStorage{data: data}, nil
}

func (s *credentialStorage) LoadSession(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.data) == 0 {
		return nil, session.ErrNotFound
	}
	return append([]byte(nil), s.data...), nil
}

func (s *credentialStorage) StoreSession(_ context.Context, data []byte) error {
	s.mu.Lock()
	s.data = append([]byte(nil), data...)
	s.mu.Unlock()
	return nil
}

// Credential returns the current session as a credential string.
func (s *credentialStorage) Credential() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return encodeCredential(s.data)
}

func encodeCredential(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

func decodeCredential(credential string) ([]byte, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(credential)
	if err != nil {
		return nil, fmt.Errorf("telegram.session is not a valid session string: %w", err)
	}
	return data, nil
}
