// Package credential keeps per-account OAuth tokens in the system keyring.
package credential

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"
)

var ErrNotFound = errors.New("credential: no token stored for account")

// Config selects the keyring. FileDir and FilePassword back the encrypted
// file fallback used where no OS keychain is available.
type Config struct {
	Service      string
	FileDir      string
	FilePassword string
}

type Store struct {
	ring keyring.Keyring
}

// Open returns a Store backed by the first available keyring backend.
func Open(cfg Config) (*Store, error) {
	if cfg.Service == "" {
		cfg.Service = "mailmirror"
	}
	if cfg.FileDir == "" {
		cfg.FileDir = "~/.config/mailmirror/credentials"
	}
	if cfg.FilePassword == "" {
		cfg.FilePassword = "mailmirror-file-key"
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: cfg.Service,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  cfg.FileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(cfg.FilePassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return New(ring), nil
}

func New(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

func tokenKey(accountID string) string { return "oauth-token:" + accountID }

// Token returns the stored token of an account.
func (s *Store) Token(accountID string) (*oauth2.Token, error) {
	item, err := s.ring.Get(tokenKey(accountID))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("getting token of %s: %w", accountID, err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(item.Data, &tok); err != nil {
		return nil, fmt.Errorf("decoding token of %s: %w", accountID, err)
	}
	return &tok, nil
}

func (s *Store) SaveToken(accountID string, tok *oauth2.Token) error {
	b, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	err = s.ring.Set(keyring.Item{
		Key:         tokenKey(accountID),
		Data:        b,
		Label:       "mailmirror OAuth token",
		Description: "account " + accountID,
	})
	if err != nil {
		return fmt.Errorf("setting token of %s: %w", accountID, err)
	}
	return nil
}

// Delete removes the token of an account. Missing tokens are not an error.
func (s *Store) Delete(accountID string) error {
	err := s.ring.Remove(tokenKey(accountID))
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting token of %s: %w", accountID, err)
	}
	return nil
}
