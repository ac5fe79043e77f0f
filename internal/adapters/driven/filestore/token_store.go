// Package filestore keeps one credential file per account on any storage
// reachable through viant/afs (local disk, mem://, object stores).
package filestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/viant/afs"
	"github.com/viant/afs/url"

	"github.com/custodia-labs/sercha-connect/internal/adapters/driven/record"
	"github.com/custodia-labs/sercha-connect/internal/core/domain"
	"github.com/custodia-labs/sercha-connect/internal/core/ports/driven"
)

var _ driven.TokenStore = (*TokenStore)(nil)

const (
	recordExt  = ".json"
	activeName = "_active"

	// tmpPrefix marks in-progress writes. A prefix rather than a suffix
	// keeps the extension, which afs Move uses to tell a file destination
	// from a directory one.
	tmpPrefix = "~"

	// Credentials are secrets even when records are not sealed.
	fileMode = os.FileMode(0o600)
	dirMode  = os.FileMode(0o700)
)

// TokenStore lays credentials out as
//
//	<root>/<provider>/<user>.json
//	<root>/<provider>/_active
//
// with provider and user ids base64url-encoded so any id is a safe name.
// It does not implement driven.AccountManager.
type TokenStore struct {
	fs     afs.Service
	root   string
	codec  *record.Codec
	logger *slog.Logger

	mu sync.Mutex
}

// New creates a store rooted at root, e.g. "file:///var/lib/sercha/tokens"
// or "mem://localhost/tokens".
func New(root string, codec *record.Codec, logger *slog.Logger) *TokenStore {
	if codec == nil {
		codec = record.NewCodec(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenStore{
		fs:     afs.New(),
		root:   strings.TrimRight(root, "/"),
		codec:  codec,
		logger: logger,
	}
}

func encodeName(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func decodeName(s string) (string, bool) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", false
	}
	return string(b), true
}

func (s *TokenStore) providerURL(providerID string) string {
	return url.Join(s.root, encodeName(providerID))
}

func recordName(userID string) string {
	return encodeName(userID) + recordExt
}

func (s *TokenStore) recordURL(key domain.AccountKey) string {
	return url.Join(s.providerURL(key.ProviderID), recordName(key.UserID))
}

func (s *TokenStore) activeURL(providerID string) string {
	return url.Join(s.providerURL(providerID), activeName)
}

// write replaces the provider file name via a temporary file and a move.
// The provider directory is created, or reset, owner-only first.
func (s *TokenStore) write(ctx context.Context, providerID, name string, data []byte) error {
	dir := s.providerURL(providerID)
	if err := s.fs.Create(ctx, dir, dirMode, true); err != nil {
		return err
	}
	dest := url.Join(dir, name)
	tmp := url.Join(dir, tmpPrefix+name)
	if err := s.fs.Upload(ctx, tmp, fileMode, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := s.fs.Move(ctx, tmp, dest); err != nil {
		_ = s.fs.Delete(ctx, tmp)
		return err
	}
	return nil
}

func (s *TokenStore) read(ctx context.Context, src string) ([]byte, bool, error) {
	exists, err := s.fs.Exists(ctx, src)
	if err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, nil
	}
	data, err := s.fs.DownloadWithURL(ctx, src)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *TokenStore) remove(ctx context.Context, target string) error {
	exists, err := s.fs.Exists(ctx, target)
	if err != nil || !exists {
		return err
	}
	return s.fs.Delete(ctx, target)
}

// StoreToken creates or replaces the credential file for key.
func (s *TokenStore) StoreToken(ctx context.Context, key domain.AccountKey, cred *domain.Credential) error {
	if err := key.Validate(); err != nil {
		return err
	}
	data, err := s.codec.Encode(cred)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(ctx, key.ProviderID, recordName(key.UserID), data); err != nil {
		return fmt.Errorf("write credential: %w", err)
	}
	return nil
}

// GetToken reads the credential file for key, nil when absent or corrupted.
// A record sealed with another key is kept and reported as
// domain.ErrRecordKeyMismatch.
func (s *TokenStore) GetToken(ctx context.Context, key domain.AccountKey) (*domain.Credential, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx, key)
}

func (s *TokenStore) getLocked(ctx context.Context, key domain.AccountKey) (*domain.Credential, error) {
	data, ok, err := s.read(ctx, s.recordURL(key))
	if err != nil {
		return nil, fmt.Errorf("read credential: %w", err)
	}
	if !ok {
		return nil, nil
	}
	cred, err := s.codec.Decode(data)
	if err != nil && !record.Discardable(err) {
		s.logger.Warn("keeping credential record sealed with another key",
			"provider", key.ProviderID,
			"user", key.UserID,
			"error", err)
		return nil, fmt.Errorf("read credential %s: %w", key, err)
	}
	if err != nil {
		s.logger.Warn("discarding corrupted credential record",
			"provider", key.ProviderID,
			"user", key.UserID,
			"error", err)
		if err := s.removeLocked(ctx, key); err != nil {
			s.logger.Error("failed to remove corrupted record", "key", key.String(), "error", err)
		}
		return nil, nil
	}
	return cred, nil
}

// GetAllTokens reads every credential file of a provider.
func (s *TokenStore) GetAllTokens(ctx context.Context, providerID string) (map[string]*domain.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.listLocked(ctx, providerID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*domain.Credential, len(users))
	for _, user := range users {
		cred, err := s.getLocked(ctx, domain.NewAccountKey(providerID, user))
		if errors.Is(err, domain.ErrRecordKeyMismatch) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if cred != nil {
			out[user] = cred
		}
	}
	return out, nil
}

// listLocked returns the user ids with a credential file.
func (s *TokenStore) listLocked(ctx context.Context, providerID string) ([]string, error) {
	dir := s.providerURL(providerID)
	exists, err := s.fs.Exists(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	if !exists {
		return nil, nil
	}
	objects, err := s.fs.List(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	var users []string
	for _, obj := range objects {
		// List includes the directory itself.
		if obj.IsDir() {
			continue
		}
		name := obj.Name()
		if !strings.HasSuffix(name, recordExt) || strings.HasPrefix(name, tmpPrefix) {
			continue
		}
		user, ok := decodeName(strings.TrimSuffix(name, recordExt))
		if !ok {
			s.logger.Warn("ignoring unrecognised file in credential directory", "name", name)
			continue
		}
		users = append(users, user)
	}
	return users, nil
}

// RemoveToken deletes the credential file and clears the active pointer if needed.
func (s *TokenStore) RemoveToken(ctx context.Context, key domain.AccountKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(ctx, key)
}

func (s *TokenStore) removeLocked(ctx context.Context, key domain.AccountKey) error {
	if err := s.remove(ctx, s.recordURL(key)); err != nil {
		return fmt.Errorf("remove credential: %w", err)
	}
	active, ok, err := s.activeLocked(ctx, key.ProviderID)
	if err != nil {
		return err
	}
	if ok && active == key.UserID {
		if err := s.remove(ctx, s.activeURL(key.ProviderID)); err != nil {
			return fmt.Errorf("clear active user: %w", err)
		}
	}
	return nil
}

// RemoveAllTokens deletes the provider's directory.
func (s *TokenStore) RemoveAllTokens(ctx context.Context, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.remove(ctx, s.providerURL(providerID)); err != nil {
		return fmt.Errorf("remove credentials: %w", err)
	}
	return nil
}

// HasToken reports whether a readable credential exists for key.
func (s *TokenStore) HasToken(ctx context.Context, key domain.AccountKey) (bool, error) {
	cred, err := s.GetToken(ctx, key)
	if err != nil {
		return false, err
	}
	return cred != nil, nil
}

// GetActiveUser reads the provider's active pointer file.
func (s *TokenStore) GetActiveUser(ctx context.Context, providerID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked(ctx, providerID)
}

func (s *TokenStore) activeLocked(ctx context.Context, providerID string) (string, bool, error) {
	data, ok, err := s.read(ctx, s.activeURL(providerID))
	if err != nil {
		return "", false, fmt.Errorf("read active user: %w", err)
	}
	user := strings.TrimSpace(string(data))
	if !ok || user == "" {
		return "", false, nil
	}
	return user, true, nil
}

// SetActiveUser marks an existing account active.
func (s *TokenStore) SetActiveUser(ctx context.Context, providerID, userID string) error {
	key := domain.NewAccountKey(providerID, userID)
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.fs.Exists(ctx, s.recordURL(key))
	if err != nil {
		return fmt.Errorf("check credential: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, key)
	}
	if err := s.write(ctx, providerID, activeName, []byte(userID)); err != nil {
		return fmt.Errorf("write active user: %w", err)
	}
	return nil
}

// ClearActiveUser removes the provider's active pointer file.
func (s *TokenStore) ClearActiveUser(ctx context.Context, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.remove(ctx, s.activeURL(providerID)); err != nil {
		return fmt.Errorf("clear active user: %w", err)
	}
	return nil
}
