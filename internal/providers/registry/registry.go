// Package registry is the static catalog of accounting integrations: provider
// identity, OAuth endpoints, client credentials and scope vocabulary. It is
// loaded once at startup from built-in defaults, an optional YAML file, and
// per-provider environment overrides; read-only afterwards.
package registry

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Auth styles. Query builds the consent URL and token request by hand
// (generic OAuth2 providers, e.g. Xero); SDK delegates both to
// golang.org/x/oauth2 (providers whose official clients do the same, e.g.
// QuickBooks).
const (
	AuthStyleQuery = "query"
	AuthStyleSDK   = "sdk"
)

var providerIDRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Integration is a provisioned provider client. Immutable after Init.
type Integration struct {
	ID           string
	DisplayName  string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	AuthStyle    string
	DefaultScope string
	ScopeMap     map[string]string
}

// Provisioned reports whether client credentials are configured. A registered
// but unprovisioned integration must surface as a configuration error, never
// proceed silently.
func (i Integration) Provisioned() bool {
	return i.ClientID != "" && i.ClientSecret != ""
}

type fileConfig struct {
	Providers []ProviderConfig `yaml:"providers"`
}

// ProviderConfig is one YAML catalog entry. Omitted fields fall back to the
// built-in defaults for that provider ID, when one exists.
type ProviderConfig struct {
	ID           string            `yaml:"id"`
	DisplayName  string            `yaml:"display_name"`
	AuthURL      string            `yaml:"auth_url"`
	TokenURL     string            `yaml:"token_url"`
	AuthStyle    string            `yaml:"auth_style"`
	DefaultScope string            `yaml:"default_scope"`
	Scopes       map[string]string `yaml:"scopes"`
}

var (
	stateMu     sync.RWMutex
	initialized bool
	byID        map[string]Integration
	order       []string
)

// Init loads the catalog: built-in defaults, then entries from path (optional,
// "" means resolve via BOOKSYNC_PROVIDERS_FILE or skip), then env overrides
// BOOKSYNC_<ID>_{CLIENT_ID,CLIENT_SECRET,AUTH_URL,TOKEN_URL}.
func Init(path string) error {
	merged := make(map[string]ProviderConfig)
	var ids []string
	for _, cfg := range defaultIntegrations() {
		merged[cfg.ID] = cfg
		ids = append(ids, cfg.ID)
	}

	fileCfgs, err := loadFile(path)
	for _, cfg := range fileCfgs {
		id := normalizeID(cfg.ID)
		if !providerIDRegexp.MatchString(id) {
			continue
		}
		cfg.ID = id
		if base, ok := merged[id]; ok {
			merged[id] = overlay(base, cfg)
		} else {
			merged[id] = cfg
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	stateMu.Lock()
	defer stateMu.Unlock()
	byID = make(map[string]Integration, len(merged))
	order = ids
	for _, id := range ids {
		byID[id] = materialize(merged[id])
	}
	initialized = true
	return err
}

// ResetForTest clears the loaded catalog so tests can force a reload.
func ResetForTest() {
	stateMu.Lock()
	defer stateMu.Unlock()
	initialized = false
	byID = nil
	order = nil
}

func ensureInitialized() {
	stateMu.RLock()
	ok := initialized
	stateMu.RUnlock()
	if !ok {
		_ = Init("")
	}
}

// Get returns the integration registered under id.
func Get(id string) (Integration, bool) {
	ensureInitialized()

	stateMu.RLock()
	defer stateMu.RUnlock()
	integ, ok := byID[normalizeID(id)]
	if !ok {
		return Integration{}, false
	}
	integ.ScopeMap = copyScopeMap(integ.ScopeMap)
	return integ, true
}

// IDs returns the registered provider IDs in stable order.
func IDs() []string {
	ensureInitialized()

	stateMu.RLock()
	defer stateMu.RUnlock()
	return append([]string(nil), order...)
}

func loadFile(path string) ([]ProviderConfig, error) {
	if path == "" {
		path = strings.TrimSpace(os.Getenv("BOOKSYNC_PROVIDERS_FILE"))
	}
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file %q: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse providers file %q: %w", path, err)
	}
	return cfg.Providers, nil
}

// overlay applies the non-empty fields of cfg over base.
func overlay(base, cfg ProviderConfig) ProviderConfig {
	if cfg.DisplayName != "" {
		base.DisplayName = cfg.DisplayName
	}
	if cfg.AuthURL != "" {
		base.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		base.TokenURL = cfg.TokenURL
	}
	if cfg.AuthStyle != "" {
		base.AuthStyle = cfg.AuthStyle
	}
	if cfg.DefaultScope != "" {
		base.DefaultScope = cfg.DefaultScope
	}
	if len(cfg.Scopes) > 0 {
		base.Scopes = cfg.Scopes
	}
	return base
}

func materialize(cfg ProviderConfig) Integration {
	style := strings.TrimSpace(strings.ToLower(cfg.AuthStyle))
	if style != AuthStyleSDK {
		style = AuthStyleQuery
	}

	integ := Integration{
		ID:           cfg.ID,
		DisplayName:  cfg.DisplayName,
		AuthURL:      envOverride(cfg.ID, "AUTH_URL", cfg.AuthURL),
		TokenURL:     envOverride(cfg.ID, "TOKEN_URL", cfg.TokenURL),
		AuthStyle:    style,
		DefaultScope: cfg.DefaultScope,
		ScopeMap:     copyScopeMap(cfg.Scopes),
		ClientID:     envOverride(cfg.ID, "CLIENT_ID", ""),
		ClientSecret: envOverride(cfg.ID, "CLIENT_SECRET", ""),
	}
	if integ.DisplayName == "" {
		integ.DisplayName = integ.ID
	}
	return integ
}

func envOverride(id, suffix, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(envName(id, suffix))); v != "" {
		return v
	}
	return fallback
}

func envName(id, suffix string) string {
	upper := strings.NewReplacer("-", "_", ".", "_").Replace(strings.ToUpper(id))
	return fmt.Sprintf("BOOKSYNC_%s_%s", upper, suffix)
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func copyScopeMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return map[string]string{}
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// defaultIntegrations returns the built-in catalog. Endpoints and default
// scopes follow each provider's published OAuth2 documentation; the scope
// tables are the application-level vocabulary each provider accepts.
func defaultIntegrations() []ProviderConfig {
	return []ProviderConfig{
		{
			ID:           "xero",
			DisplayName:  "Xero",
			AuthURL:      "https://login.xero.com/identity/connect/authorize",
			TokenURL:     "https://identity.xero.com/connect/token",
			AuthStyle:    AuthStyleQuery,
			DefaultScope: "accounting.journals.read",
			Scopes: map[string]string{
				"accounting.journals.read":     "accounting.journals.read",
				"accounting.transactions":      "accounting.transactions",
				"accounting.transactions.read": "accounting.transactions.read",
				"accounting.contacts":          "accounting.contacts",
				"accounting.settings":          "accounting.settings",
				"offline_access":               "offline_access",
			},
		},
		{
			ID:           "quickbooks",
			DisplayName:  "QuickBooks Online",
			AuthURL:      "https://appcenter.intuit.com/connect/oauth2",
			TokenURL:     "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer",
			AuthStyle:    AuthStyleSDK,
			DefaultScope: "com.intuit.quickbooks.accounting",
			Scopes: map[string]string{
				"com.intuit.quickbooks.accounting":           "com.intuit.quickbooks.accounting",
				"com.intuit.quickbooks.payment":              "com.intuit.quickbooks.payment",
				"com.intuit.quickbooks.payroll":              "com.intuit.quickbooks.payroll",
				"com.intuit.quickbooks.payroll.timetracking": "com.intuit.quickbooks.payroll.timetracking",
				"com.intuit.quickbooks.payroll.benefits":     "com.intuit.quickbooks.payroll.benefits",
			},
		},
	}
}
