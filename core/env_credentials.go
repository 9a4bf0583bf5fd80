package core

import (
	"os"
	"strings"
)

// EnvCredentialSource answers IsUsable by checking whether an environment
// variable is set for the provider, trying every alias in order. Adapted
// from the teacher's llm.CredentialOverride context-scoped pattern, but
// reshaped into the Source contract core/credential expects: a synchronous,
// panic-free boolean check rather than a per-request context value.
type EnvCredentialSource struct {
	// Aliases maps a providerID to the environment variable names to check,
	// in priority order. If a provider has no entry, "<UPPER(providerID)>_API_KEY"
	// is tried as a fallback.
	Aliases map[string][]string
}

func (s EnvCredentialSource) IsUsable(providerID string) bool {
	names := s.Aliases[providerID]
	if len(names) == 0 {
		names = []string{strings.ToUpper(providerID) + "_API_KEY"}
	}
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return true
		}
	}
	return false
}
