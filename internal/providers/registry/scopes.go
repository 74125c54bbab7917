package registry

import "strings"

// TranslateScopes maps a space-delimited application scope string to the
// provider-native scope tokens for integ. Unrecognized tokens are silently
// dropped. An empty result (nil input or everything dropped) falls back to
// the integration's single default scope: that fallback is the documented
// default-scope policy, not a convenience.
func TranslateScopes(integ Integration, raw string) []string {
	var out []string
	for _, tok := range strings.Fields(raw) {
		if mapped, ok := integ.ScopeMap[strings.TrimSpace(tok)]; ok && mapped != "" {
			out = append(out, mapped)
		}
	}
	if len(out) == 0 {
		return []string{integ.DefaultScope}
	}
	return out
}
