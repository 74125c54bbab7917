package models

import "time"

// Account is one user's authorization relationship with one accounting
// provider. At most one row exists per (user, provider) pair; the composite
// unique index backs the transactional check in the store.
type Account struct {
	ID       uint   `gorm:"primaryKey"`
	UserID   string `gorm:"uniqueIndex:idx_user_provider;size:64;not null"`
	Provider string `gorm:"uniqueIndex:idx_user_provider;size:32;not null"` // registry key, e.g. "xero"

	// AuthorizationCode is transient: stored when the provider redirects
	// back, consumed by the token exchange.
	AuthorizationCode string
	Scopes            string // space-delimited application scopes

	AccessToken            string
	ExpiresIn              int64
	RefreshToken           string
	XRefreshTokenExpiresIn int64
	IDToken                string
	RealmID                string // provider tenant identifier (QuickBooks realmId)
	TokenType              string `gorm:"size:16;default:Bearer"`
	IsAuthenticated        bool   `gorm:"default:false"`

	// ErrorDesc/ErrorAt record the last failed exchange. They are cleared on
	// a successful exchange and never clear token fields themselves, so a
	// failed refresh leaves working credentials intact.
	ErrorDesc string
	ErrorAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// State is the derived lifecycle position of an authorization attempt.
type State string

const (
	StateCreated       State = "created"
	StateCodeReceived  State = "code_received"
	StateAuthenticated State = "authenticated"
	StateErrored       State = "errored"
)

// State derives the lifecycle state from the persisted fields. An error entry
// wins even for a previously authenticated account (stale-but-preserved
// tokens), matching how failures are surfaced to operators.
func (a *Account) State() State {
	switch {
	case a.ErrorDesc != "":
		return StateErrored
	case a.IsAuthenticated:
		return StateAuthenticated
	case a.AuthorizationCode != "":
		return StateCodeReceived
	default:
		return StateCreated
	}
}
