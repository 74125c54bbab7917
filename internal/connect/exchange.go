package connect

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/finlink-io/booksync/internal/providers/registry"
)

const (
	exchangeTimeout = 30 * time.Second
	maxErrorBody    = 64 << 10
)

// TokenPayload is the normalized token response from a provider. The
// x_refresh_token_expires_in and id_token fields are provider-specific
// (QuickBooks) and zero for providers that omit them.
type TokenPayload struct {
	AccessToken            string `json:"access_token"`
	TokenType              string `json:"token_type"`
	ExpiresIn              int64  `json:"expires_in"`
	RefreshToken           string `json:"refresh_token"`
	XRefreshTokenExpiresIn int64  `json:"x_refresh_token_expires_in"`
	IDToken                string `json:"id_token"`
}

// ExchangeError reports a non-2xx response from a provider token endpoint.
// Its Error string is the composed description persisted to the account.
type ExchangeError struct {
	StatusCode int
	Body       string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("status_code=%d, error=%s", e.StatusCode, e.Body)
}

// Exchanger performs outbound token-endpoint calls. It holds no account
// state; one instance serves all providers.
type Exchanger struct {
	http *http.Client
}

func NewExchanger() *Exchanger {
	return &Exchanger{http: &http.Client{Timeout: exchangeTimeout}}
}

// NewExchangerWithClient allows tests to substitute the HTTP client.
func NewExchangerWithClient(client *http.Client) *Exchanger {
	return &Exchanger{http: client}
}

// Exchange trades an authorization code for tokens. A provider rejection
// surfaces as *ExchangeError carrying the provider's status and body; any
// other error (timeout, network) is returned as-is and must equally be
// treated as a failed exchange by the caller.
func (e *Exchanger) Exchange(ctx context.Context, integ registry.Integration, redirectURI, code string) (*TokenPayload, error) {
	if integ.AuthStyle == registry.AuthStyleSDK {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, e.http)
		tok, err := oauthConfig(integ, redirectURI, nil).Exchange(ctx, code)
		if err != nil {
			return nil, mapRetrieveError(err)
		}
		return payloadFromToken(tok), nil
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	return e.postForm(ctx, integ, form)
}

// Refresh trades a refresh token for a fresh grant using the same endpoint
// and client authentication as Exchange.
func (e *Exchanger) Refresh(ctx context.Context, integ registry.Integration, refreshToken string) (*TokenPayload, error) {
	if integ.AuthStyle == registry.AuthStyleSDK {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, e.http)
		src := oauthConfig(integ, "", nil).TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
		tok, err := src.Token()
		if err != nil {
			return nil, mapRetrieveError(err)
		}
		return payloadFromToken(tok), nil
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return e.postForm(ctx, integ, form)
}

// postForm is the query-style token request: form-encoded body, HTTP Basic
// client authentication (base64 client_id:client_secret).
func (e *Exchanger) postForm(ctx context.Context, integ registry.Integration, form url.Values) (*TokenPayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, integ.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	basic := base64.StdEncoding.EncodeToString([]byte(integ.ClientID + ":" + integ.ClientSecret))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Basic "+basic)

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ExchangeError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var payload TokenPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return &payload, nil
}

// mapRetrieveError converts the x/oauth2 error for a rejected exchange into
// an *ExchangeError so both styles report failures identically.
func mapRetrieveError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		status := 0
		if rerr.Response != nil {
			status = rerr.Response.StatusCode
		}
		return &ExchangeError{StatusCode: status, Body: strings.TrimSpace(string(rerr.Body))}
	}
	return err
}

func payloadFromToken(tok *oauth2.Token) *TokenPayload {
	expiresIn := tok.ExpiresIn
	if expiresIn == 0 && !tok.Expiry.IsZero() {
		expiresIn = int64(time.Until(tok.Expiry).Seconds())
	}
	return &TokenPayload{
		AccessToken:            tok.AccessToken,
		TokenType:              tok.Type(),
		ExpiresIn:              expiresIn,
		RefreshToken:           tok.RefreshToken,
		XRefreshTokenExpiresIn: extraInt64(tok, "x_refresh_token_expires_in"),
		IDToken:                extraString(tok, "id_token"),
	}
}

func extraString(tok *oauth2.Token, key string) string {
	if v, ok := tok.Extra(key).(string); ok {
		return v
	}
	return ""
}

func extraInt64(tok *oauth2.Token, key string) int64 {
	switch v := tok.Extra(key).(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
	}
	return 0
}
