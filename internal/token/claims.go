package token

import (
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
)

// ProfileClaim maps one OIDC claim name to its value in a user profile.
type ProfileClaim struct {
	Name  string
	Value func(p *models.UserProfile) any
}

// ScopeClaims lists, per scope, the profile claims that the scope releases in
// ID tokens and userinfo responses.
var ScopeClaims = map[string][]ProfileClaim{
	models.ScopeProfile: {
		{Name: "name", Value: func(p *models.UserProfile) any { return p.Name }},
		{Name: "updated_at", Value: func(p *models.UserProfile) any { return p.UpdatedAt.Unix() }},
	},
	models.ScopeEmail: {
		{Name: "email", Value: func(p *models.UserProfile) any { return p.Email }},
		{Name: "email_verified", Value: func(p *models.UserProfile) any { return p.EmailVerified }},
	},
}

// ProfileClaims returns the profile claims released by scope.
func ProfileClaims(profile *models.UserProfile, scope models.ScopeSet) map[string]any {
	claims := make(map[string]any)
	if profile == nil {
		return claims
	}
	for scopeName, mapping := range ScopeClaims {
		if !scope.Has(scopeName) {
			continue
		}
		for _, claim := range mapping {
			claims[claim.Name] = claim.Value(profile)
		}
	}
	return claims
}
