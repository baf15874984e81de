package credential

import (
	"context"
	"fmt"
)

// RefreshFunc exchanges a stored refresh credential for a new access
// token. It is supplied by the OAuth integration for the provider.
type RefreshFunc func(ctx context.Context, accountID string) (string, error)

// KeyringTokenSource serves OAuth access tokens from the system keyring
// and refreshes them through the provider's refresh flow on demand.
type KeyringTokenSource struct {
	accountID string
	refresh   RefreshFunc
}

// NewKeyringTokenSource creates a token source for the given account.
// refresh may be nil, in which case Refresh fails and authentication
// errors become fatal immediately.
func NewKeyringTokenSource(accountID string, refresh RefreshFunc) *KeyringTokenSource {
	return &KeyringTokenSource{accountID: accountID, refresh: refresh}
}

// Token returns the stored access token for the account.
func (s *KeyringTokenSource) Token(_ context.Context) (string, error) {
	return Get(AccessTokenKey(s.accountID))
}

// Refresh obtains a fresh access token, stores it, and returns it.
func (s *KeyringTokenSource) Refresh(ctx context.Context) (string, error) {
	if s.refresh == nil {
		return "", fmt.Errorf("no refresh flow configured for account %s", s.accountID)
	}

	token, err := s.refresh(ctx, s.accountID)
	if err != nil {
		return "", fmt.Errorf("refreshing token for account %s: %w", s.accountID, err)
	}

	if err := Set(AccessTokenKey(s.accountID), token); err != nil {
		return "", err
	}

	return token, nil
}

// StaticTokenSource wraps a fixed secret (an account password) in the
// TokenSource shape. Refresh re-reads the keyring so a password updated
// by the user is picked up on the retry.
type StaticTokenSource struct {
	key string
}

// NewPasswordSource creates a token source backed by the account's
// stored password.
func NewPasswordSource(accountID string) *StaticTokenSource {
	return &StaticTokenSource{key: PasswordKey(accountID)}
}

// Token returns the stored password.
func (s *StaticTokenSource) Token(_ context.Context) (string, error) {
	return Get(s.key)
}

// Refresh re-reads the stored password.
func (s *StaticTokenSource) Refresh(_ context.Context) (string, error) {
	return Get(s.key)
}
