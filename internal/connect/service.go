package connect

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/finlink-io/booksync/internal/logging"
	"github.com/finlink-io/booksync/internal/metrics"
	"github.com/finlink-io/booksync/internal/providers/registry"
	"github.com/finlink-io/booksync/internal/store"
)

var (
	// ErrUnknownProvider indicates the provider key is not in the registry.
	ErrUnknownProvider = errors.New("connect: unknown provider")

	// ErrMisconfigured indicates the integration is registered but missing
	// client credentials. Surfaces as a 5xx, never proceeds silently.
	ErrMisconfigured = errors.New("connect: integration is not provisioned")

	// ErrMissingParams indicates the callback lacked code or state.
	ErrMissingParams = errors.New("connect: missing code or state parameter")

	// ErrInvalidState indicates the state parameter did not correlate to a
	// pending account. This is the callback's anti-forgery check.
	ErrInvalidState = errors.New("connect: no matching associated state")

	// ErrNoRefreshToken indicates a refresh was requested for an account
	// that never stored one.
	ErrNoRefreshToken = errors.New("connect: account has no refresh token")
)

// Service drives the authorization flows. It owns no account state beyond an
// in-process keyed lock that serializes duplicate callback deliveries per
// account; the database row itself is never locked across the outbound
// exchange call.
type Service struct {
	store   *store.Store
	exch    *Exchanger
	baseURL string
	log     *zap.Logger

	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

func NewService(st *store.Store, exch *Exchanger, baseURL string) *Service {
	return &Service{
		store:   st,
		exch:    exch,
		baseURL: baseURL,
		log:     logging.Named("connect"),
		locks:   make(map[uint]*sync.Mutex),
	}
}

// AuthorizationURL builds the consent URL for the caller's account with a
// provider. The account must already exist and the integration must be
// provisioned.
func (s *Service) AuthorizationURL(ctx context.Context, userID, providerID string) (string, error) {
	integ, ok := registry.Get(providerID)
	if !ok {
		return "", ErrUnknownProvider
	}
	acc, err := s.store.ByUserAndProvider(ctx, userID, integ.ID)
	if err != nil {
		return "", err
	}
	if !integ.Provisioned() {
		return "", ErrMisconfigured
	}

	scopes := registry.TranslateScopes(integ, acc.Scopes)
	state := strconv.FormatUint(uint64(acc.ID), 10)
	authURL, err := BuildAuthorizationURL(integ, scopes, state, RedirectURI(s.baseURL, integ.ID))
	if err != nil {
		return "", err
	}
	metrics.AuthorizeRequests.WithLabelValues(integ.ID).Inc()
	return authURL, nil
}

// CallbackParams are the query parameters delivered by the provider redirect.
type CallbackParams struct {
	Code    string
	State   string
	RealmID string // provider extra, e.g. QuickBooks realmId
}

// CallbackResult reports the outcome of a handled callback. Exactly one of
// AccessToken and Failed is set: the access token on success (the success
// signal the frontend redirect relies on), the provider's rejection for
// passthrough on failure.
type CallbackResult struct {
	AccessToken string
	Failed      *ExchangeError
}

// HandleCallback runs the callback state machine: correlate state to a
// pending account, persist the code, exchange it, and transition the account
// to authenticated or errored. Exchange failures of any kind (provider
// rejection, timeout) are recovered into account state, never returned as a
// hard error.
//
// The state parameter is the account's own identifier. That correlator is
// store-assigned rather than cryptographically random; the trade-off is
// inherited from the system this flow serves, where the callback is only
// reachable through the provider redirect.
func (s *Service) HandleCallback(ctx context.Context, providerID string, p CallbackParams) (*CallbackResult, error) {
	if p.Code == "" || p.State == "" {
		return nil, ErrMissingParams
	}
	id64, err := strconv.ParseUint(p.State, 10, 64)
	if err != nil {
		return nil, ErrInvalidState
	}
	accountID := uint(id64)

	// Serialize duplicate deliveries for the same account. Different
	// accounts proceed fully independently.
	lock := s.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	acc, err := s.store.ByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidState
		}
		return nil, err
	}

	// A duplicate delivery of a code that already completed must not restart
	// the exchange: providers reject reused codes, and the resulting error
	// would overwrite a finished transition.
	if acc.IsAuthenticated && acc.AuthorizationCode == p.Code {
		return &CallbackResult{AccessToken: acc.AccessToken}, nil
	}

	if err := s.store.SetAuthorizationCode(ctx, acc.ID, p.Code, p.RealmID); err != nil {
		return nil, err
	}

	integ, ok := registry.Get(providerID)
	if !ok {
		return nil, ErrUnknownProvider
	}
	if !integ.Provisioned() {
		return nil, ErrMisconfigured
	}

	payload, err := s.exch.Exchange(ctx, integ, RedirectURI(s.baseURL, integ.ID), p.Code)
	if err != nil {
		return s.recordExchangeFailure(ctx, integ.ID, acc.ID, err, metrics.TokenExchanges)
	}

	if err := s.store.SetTokens(writeContext(ctx), acc.ID, grantFromPayload(payload)); err != nil {
		return nil, err
	}
	metrics.TokenExchanges.WithLabelValues(integ.ID, metrics.OutcomeSuccess).Inc()
	s.log.Info("token exchange succeeded",
		zap.String("provider", integ.ID),
		zap.Uint("account_id", acc.ID))
	return &CallbackResult{AccessToken: payload.AccessToken}, nil
}

// Refresh performs a refresh-token grant for the caller's account. A failed
// refresh is recorded on the account without touching the stored tokens.
func (s *Service) Refresh(ctx context.Context, userID, providerID string) (*CallbackResult, error) {
	integ, ok := registry.Get(providerID)
	if !ok {
		return nil, ErrUnknownProvider
	}
	if !integ.Provisioned() {
		return nil, ErrMisconfigured
	}
	acc, err := s.store.ByUserAndProvider(ctx, userID, integ.ID)
	if err != nil {
		return nil, err
	}
	if acc.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	lock := s.accountLock(acc.ID)
	lock.Lock()
	defer lock.Unlock()

	payload, err := s.exch.Refresh(ctx, integ, acc.RefreshToken)
	if err != nil {
		return s.recordExchangeFailure(ctx, integ.ID, acc.ID, err, metrics.TokenRefreshes)
	}

	grant := grantFromPayload(payload)
	if grant.RefreshToken == "" {
		// Some providers omit the refresh token on rotation-free grants.
		grant.RefreshToken = acc.RefreshToken
	}
	if err := s.store.SetTokens(writeContext(ctx), acc.ID, grant); err != nil {
		return nil, err
	}
	metrics.TokenRefreshes.WithLabelValues(integ.ID, metrics.OutcomeSuccess).Inc()
	return &CallbackResult{AccessToken: payload.AccessToken}, nil
}

// recordExchangeFailure persists the composed error description and maps the
// failure for passthrough. Timeouts and transport errors have no provider
// status to pass through and surface as 502.
func (s *Service) recordExchangeFailure(ctx context.Context, providerID string, accountID uint, exchErr error, counter *prometheus.CounterVec) (*CallbackResult, error) {
	desc := exchErr.Error()
	if err := s.store.SetError(writeContext(ctx), accountID, desc, time.Now()); err != nil {
		return nil, err
	}
	counter.WithLabelValues(providerID, metrics.OutcomeFailure).Inc()
	s.log.Warn("token exchange failed",
		zap.String("provider", providerID),
		zap.Uint("account_id", accountID),
		zap.String("error_desc", desc))

	var xerr *ExchangeError
	if errors.As(exchErr, &xerr) {
		return &CallbackResult{Failed: xerr}, nil
	}
	return &CallbackResult{Failed: &ExchangeError{StatusCode: http.StatusBadGateway, Body: desc}}, nil
}

func grantFromPayload(p *TokenPayload) store.TokenGrant {
	return store.TokenGrant{
		AccessToken:            p.AccessToken,
		TokenType:              p.TokenType,
		ExpiresIn:              p.ExpiresIn,
		RefreshToken:           p.RefreshToken,
		XRefreshTokenExpiresIn: p.XRefreshTokenExpiresIn,
		IDToken:                p.IDToken,
	}
}

func (s *Service) accountLock(id uint) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// writeContext detaches post-exchange writes from the request context so a
// timed-out exchange can still be recorded as errored instead of leaving the
// account pending.
func writeContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
