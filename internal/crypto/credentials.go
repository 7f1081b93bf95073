package crypto

import (
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/dukanx/backend/internal/errors"
)

// CredentialStore keeps encrypted credentials as files under
// <dir>/secure/<account>.cred with owner-only permissions.
type CredentialStore struct {
	dir       string
	machineID string
}

// NewCredentialStore creates a CredentialStore rooted at dataDir.
func NewCredentialStore(dataDir, machineID string) *CredentialStore {
	return &CredentialStore{dir: filepath.Join(dataDir, "secure"), machineID: machineID}
}

func (s *CredentialStore) path(account string) (string, error) {
	if account == "" {
		return "", apperrors.New(apperrors.ErrInvalid, "account is required")
	}
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return filepath.Join(s.dir, r.Replace(account)+".cred"), nil
}

// Store encrypts value and writes it for account.
func (s *CredentialStore) Store(account, value string) error {
	p, err := s.path(account)
	if err != nil {
		return err
	}
	encrypted, err := EncryptToken(value, s.machineID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "create secure directory", err)
	}
	if err := os.WriteFile(p, []byte(encrypted), 0600); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "write credential", err)
	}
	return nil
}

// Get returns the decrypted credential for account.
func (s *CredentialStore) Get(account string) (string, error) {
	p, err := s.path(account)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return "", apperrors.Newf(apperrors.ErrNotFound, "credential %s not found", account)
		}
		return "", apperrors.Wrap(apperrors.ErrInternal, "read credential", err)
	}
	return DecryptToken(strings.TrimSpace(string(data)), s.machineID)
}

// Delete removes the credential for account. Missing credentials are not
// an error.
func (s *CredentialStore) Delete(account string) error {
	p, err := s.path(account)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return apperrors.Wrap(apperrors.ErrInternal, "delete credential", err)
	}
	return nil
}
