package auth

import (
	"fmt"
	"strings"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
)

// ScopeValidation is the outcome of checking a scope string against the catalog.
type ScopeValidation struct {
	Valid         bool
	InvalidScopes []string
}

// ScopeValidator checks scopes against the server's fixed catalog.
type ScopeValidator struct {
	catalog models.ScopeSet
}

// NewScopeValidator creates a validator for the supported scope names.
func NewScopeValidator(supported []string) *ScopeValidator {
	return &ScopeValidator{catalog: models.NewScopeSet(supported...)}
}

// Supported returns the catalog in canonical order.
func (v *ScopeValidator) Supported() []string {
	return v.catalog.Slice()
}

// Validate parses a space-delimited scope string and reports unknown names.
// An empty string is invalid.
func (v *ScopeValidator) Validate(scope string) ScopeValidation {
	return v.ValidateSet(models.ParseScope(scope))
}

// ValidateSet reports which members of scopes are not in the catalog.
func (v *ScopeValidator) ValidateSet(scopes models.ScopeSet) ScopeValidation {
	if scopes.IsEmpty() {
		return ScopeValidation{Valid: false}
	}
	invalid := scopes.Missing(v.catalog)
	return ScopeValidation{Valid: len(invalid) == 0, InvalidScopes: invalid}
}

// EnsureRequiredScopes returns the canonical form of scope. The openid scope
// is never added implicitly: clients must request it to receive ID tokens.
func (v *ScopeValidator) EnsureRequiredScopes(scope string) string {
	return models.ParseScope(scope).String()
}

// Narrow computes the scope of a refresh grant. An empty request keeps the
// granted scope; anything else must be a subset of it.
func (v *ScopeValidator) Narrow(granted models.ScopeSet, requested string) (models.ScopeSet, error) {
	if strings.TrimSpace(requested) == "" {
		return granted, nil
	}

	want := models.ParseScope(requested)
	if extra := want.Missing(granted); len(extra) > 0 {
		return nil, models.NewInvalidScope(
			fmt.Sprintf("Requested scope exceeds the original grant: %s", strings.Join(extra, " ")),
		)
	}
	return want, nil
}
