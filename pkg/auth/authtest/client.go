// Package authtest is a client-side verification harness for the Auth Core
// (C7): it proves the authorization server's device-authorization grant and
// discovery document are consumable by standard OAuth2/OIDC client
// libraries, not only by this repo's own server-side tests. It repurposes
// golang.org/x/oauth2's DeviceAuth/DeviceAccessToken and
// github.com/coreos/go-oidc/v3's provider-discovery client — both teacher
// dependencies that had no home as relying-party code once the teacher's
// upstream-IDP login flow was replaced by our own authorization server.
package authtest

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Client drives the device-authorization grant (RFC 8628) against a running
// authorization server, the same client surface a real MCP client or
// desktop app would use.
type Client struct {
	provider *oidc.Provider
	oauth    oauth2.Config
}

// NewClient performs OIDC discovery against baseURL's
// /.well-known/openid-configuration document and builds a client scoped to
// clientID and scopes. Discovery failing here (wrong issuer, missing
// endpoints, malformed JSON) is exactly the failure a real third-party
// client would hit against a broken server.
func NewClient(ctx context.Context, baseURL, clientID string, scopes []string) (*Client, error) {
	provider, err := oidc.NewProvider(ctx, baseURL)
	if err != nil {
		return nil, fmt.Errorf("authtest: discovering provider at %s: %w", baseURL, err)
	}

	endpoint := provider.Endpoint()
	endpoint.DeviceAuthURL = baseURL + "/oauth/device_authorization"

	return &Client{
		provider: provider,
		oauth: oauth2.Config{
			ClientID: clientID,
			Endpoint: endpoint,
			Scopes:   scopes,
		},
	}, nil
}

// StartDeviceAuth initiates the device-authorization grant, returning the
// device_code/user_code pair a human approves out of band.
func (c *Client) StartDeviceAuth(ctx context.Context) (*oauth2.DeviceAuthResponse, error) {
	return c.oauth.DeviceAuth(ctx)
}

// PollDeviceToken redeems da against the token endpoint, blocking (per
// oauth2's own polling/backoff honoring da.Interval) until the device is
// approved, denied, or ctx is canceled.
func (c *Client) PollDeviceToken(ctx context.Context, da *oauth2.DeviceAuthResponse) (*oauth2.Token, error) {
	return c.oauth.DeviceAccessToken(ctx, da)
}
