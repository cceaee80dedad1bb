package models

// RevokeUserTokensRequest is the optional body of the admin token revocation call.
type RevokeUserTokensRequest struct {
	ClientID string `json:"clientId,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// RevokeUserTokensResponse reports the result of revoking a user's refresh tokens.
type RevokeUserTokensResponse struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	UserID          string `json:"userId"`
	ClientID        string `json:"clientId,omitempty"`
	TokensRevoked   int    `json:"tokensRevoked"`
	SessionsCleared int    `json:"sessionsCleared"`
}

// RevokeConsentResponse reports the result of withdrawing a user's consent.
type RevokeConsentResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	UserID   string `json:"userId"`
	ClientID string `json:"clientId"`
}

// ClientView is the public projection of a Client returned by admin tooling.
// It never carries the secret hash.
type ClientView struct {
	ID                      string       `json:"id"`
	Name                    string       `json:"name"`
	RedirectURIs            []string     `json:"redirect_uris"`
	AllowedScopes           []string     `json:"allowed_scopes"`
	RequirePKCE             bool         `json:"require_pkce"`
	GrantTypes              []GrantType  `json:"grant_types"`
	TokenEndpointAuthMethod AuthMethod   `json:"token_endpoint_auth_method"`
	Status                  ClientStatus `json:"status"`
}

// View returns the public projection of the client.
func (c *Client) View() ClientView {
	return ClientView{
		ID:                      c.ID,
		Name:                    c.Name,
		RedirectURIs:            c.RedirectURIs,
		AllowedScopes:           c.AllowedScopes,
		RequirePKCE:             c.RequirePKCE,
		GrantTypes:              c.GrantTypes,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		Status:                  c.Status,
	}
}
