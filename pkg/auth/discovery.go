package auth

import "github.com/go-jose/go-jose/v4"

// Discovery is the OIDC-shaped discovery document from spec.md §4.7.5,
// served at GET /.well-known/openid-configuration. baseURL is derived by
// the HTTP layer from the request host, not stored here.
type Discovery struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	DeviceAuthorizationEndpoint       string   `json:"device_authorization_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

// BuildDiscovery renders the discovery document for baseURL, per spec.md
// §4.7.5's fixed supported-grant/response/challenge-method lists.
func BuildDiscovery(baseURL string) Discovery {
	return Discovery{
		Issuer:                      baseURL,
		AuthorizationEndpoint:       baseURL + "/oauth/authorize",
		TokenEndpoint:               baseURL + "/oauth/token",
		DeviceAuthorizationEndpoint: baseURL + "/oauth/device_authorization",
		RevocationEndpoint:          baseURL + "/oauth/revoke",
		IntrospectionEndpoint:       baseURL + "/oauth/introspect",
		JWKSURI:                     baseURL + "/.well-known/jwks.json",
		ResponseTypesSupported:      []string{"code"},
		GrantTypesSupported: []string{
			"authorization_code",
			"refresh_token",
			"urn:ietf:params:oauth:grant-type:device_code",
		},
		CodeChallengeMethodsSupported:     []string{"S256"},
		SubjectTypesSupported:             []string{"public"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
	}
}

// JWKSDocument is the shape served at GET /.well-known/jwks.json.
type JWKSDocument = jose.JSONWebKeySet
