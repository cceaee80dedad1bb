// Package constants contains shared HTTP header names, content types and
// route paths used across the service.
package constants

// Header names commonly used across the application.
const (
	// HeaderAuthorization is the HTTP "Authorization" header name.
	HeaderAuthorization = "Authorization"

	// HeaderContentType is the HTTP "Content-Type" header name.
	HeaderContentType = "Content-Type"

	// HeaderCacheControl is the HTTP "Cache-Control" header name.
	HeaderCacheControl = "Cache-Control"

	// HeaderPragma is the HTTP "Pragma" header name.
	HeaderPragma = "Pragma"

	// HeaderLocation is the HTTP "Location" header name.
	HeaderLocation = "Location"

	// HeaderWWWAuthenticate is the HTTP "WWW-Authenticate" header name.
	HeaderWWWAuthenticate = "WWW-Authenticate"

	// HeaderReferer is the HTTP "Referer" header name.
	HeaderReferer = "Referer"

	// HeaderXRequestID is the custom request ID header name.
	HeaderXRequestID = "X-Request-ID"
)

// Common media / content types used in requests and responses.
const (
	// ContentTypeJSON represents "application/json".
	ContentTypeJSON = "application/json"

	// ContentTypeFormURLEncoded represents
	// "application/x-www-form-urlencoded".
	ContentTypeFormURLEncoded = "application/x-www-form-urlencoded"
)

// Cache directives required on token responses (RFC 6749 section 5.1).
const (
	CacheControlNoStore = "no-store"
	PragmaNoCache       = "no-cache"
)

// Protocol endpoint paths. They are mounted at the router root so that the
// discovery document advertises canonical URLs.
const (
	PathAuthorize   = "/authorize"
	PathConsent     = "/consent"
	PathToken       = "/token"
	PathRevoke      = "/revoke"
	PathIntrospect  = "/introspect"
	PathUserInfo    = "/userinfo"
	PathDiscovery   = "/.well-known/openid-configuration"
	PathJWKS        = "/.well-known/jwks.json"
	PathHealth      = "/health"
	PathMetrics     = "/metrics"
	PathAdminPrefix = "/admin"
)
