// Package store is the transactional repository of per-user, per-provider
// connection records.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/finlink-io/booksync/internal/db/models"
)

var (
	// ErrNotFound indicates no account exists for the given key.
	ErrNotFound = errors.New("store: account not found")

	// ErrConflict indicates an account already exists for (user, provider).
	ErrConflict = errors.New("store: account already exists")
)

// Store persists accounts through gorm. All methods are safe for concurrent
// use; Create is atomic under concurrent calls for the same pair.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Create provisions an empty, unauthenticated account for (userID,
// providerID) seeded with the provider's default scopes. The existence check
// and insert run in one transaction; the composite unique index catches
// anything that slips between concurrent transactions, so concurrent creates
// yield exactly one row.
func (s *Store) Create(ctx context.Context, userID, providerID, defaultScopes string) (*models.Account, error) {
	acc := &models.Account{
		UserID:    userID,
		Provider:  providerID,
		Scopes:    defaultScopes,
		TokenType: "Bearer",
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Account{}).
			Where("user_id = ? AND provider = ?", userID, providerID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrConflict
		}
		return tx.Create(acc).Error
	})
	if err != nil {
		if errors.Is(err, ErrConflict) || isDuplicate(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create account: %w", err)
	}
	return acc, nil
}

// ByUserAndProvider returns the caller's account for a provider.
func (s *Store) ByUserAndProvider(ctx context.Context, userID, providerID string) (*models.Account, error) {
	var acc models.Account
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, providerID).
		First(&acc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find account: %w", err)
	}
	return &acc, nil
}

// ByID returns an account by its identifier. The callback handler uses this
// to correlate the OAuth state parameter to a pending account.
func (s *Store) ByID(ctx context.Context, id uint) (*models.Account, error) {
	var acc models.Account
	err := s.db.WithContext(ctx).First(&acc, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find account: %w", err)
	}
	return &acc, nil
}

// SetAuthorizationCode records the code returned by the provider redirect,
// plus the tenant/realm identifier when the provider supplies one. Idempotent
// partial update.
func (s *Store) SetAuthorizationCode(ctx context.Context, id uint, code, realmID string) error {
	updates := map[string]interface{}{"authorization_code": code}
	if realmID != "" {
		updates["realm_id"] = realmID
	}
	return s.update(ctx, id, updates)
}

// TokenGrant is a successful token payload from a provider.
type TokenGrant struct {
	AccessToken            string
	TokenType              string
	ExpiresIn              int64
	RefreshToken           string
	XRefreshTokenExpiresIn int64
	IDToken                string
}

// SetTokens stores a successful exchange and marks the account
// authenticated. The error pair is cleared explicitly so a success state is
// never accompanied by stale failure fields.
func (s *Store) SetTokens(ctx context.Context, id uint, grant TokenGrant) error {
	updates := map[string]interface{}{
		"access_token":               grant.AccessToken,
		"expires_in":                 grant.ExpiresIn,
		"refresh_token":              grant.RefreshToken,
		"x_refresh_token_expires_in": grant.XRefreshTokenExpiresIn,
		"id_token":                   grant.IDToken,
		"is_authenticated":           true,
		"error_desc":                 "",
		"error_at":                   nil,
	}
	if grant.TokenType != "" {
		updates["token_type"] = grant.TokenType
	}
	return s.update(ctx, id, updates)
}

// SetError records a failed exchange. Token fields are deliberately left
// untouched: a refresh failure on an authenticated account must not destroy
// the credentials that still work.
func (s *Store) SetError(ctx context.Context, id uint, desc string, at time.Time) error {
	return s.update(ctx, id, map[string]interface{}{
		"error_desc": desc,
		"error_at":   at,
	})
}

// StuckCodeReceived lists accounts that stored an authorization code before
// cutoff but never reached an exchange result. The reaper expires these to
// errored.
func (s *Store) StuckCodeReceived(ctx context.Context, cutoff time.Time) ([]models.Account, error) {
	var accs []models.Account
	err := s.db.WithContext(ctx).
		Where("authorization_code <> '' AND is_authenticated = ? AND error_desc = '' AND updated_at < ?", false, cutoff).
		Find(&accs).Error
	if err != nil {
		return nil, fmt.Errorf("list stuck accounts: %w", err)
	}
	return accs, nil
}

func (s *Store) update(ctx context.Context, id uint, updates map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update account %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// isDuplicate recognizes a unique-index violation across the supported
// drivers (gorm's translated error, sqlite's and postgres' native messages).
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
