package auth

import (
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/tieredfs/internal/httpserver"
	"github.com/wisbric/tieredfs/pkg/errkind"
)

// accessTokenCookie is the optional cookie name handleAuthorize checks
// when no Authorization header is present, mirroring a browser-held
// session cookie set by a prior device/authorization-code exchange.
const accessTokenCookie = "tieredfs_access_token"

// Handler mounts the C7 OAuth surface from spec.md §6 onto a chi router,
// translating tagged errkind values into the OAuth error envelope
// (spec.md §7: "Auth endpoints translate internal errors to the OAuth
// error object ... and never leak stack traces"). Grounded on
// internal/auth/oidc_flow.go's handler shape.
type Handler struct {
	device  *DeviceFlow
	authz   *AuthorizationCodeFlow
	refresh *RefreshTokenStore
	enroll  *Enrollment
	tokens  *TokenIssuer
}

// NewHandler builds a Handler over the C7 flows.
func NewHandler(device *DeviceFlow, authz *AuthorizationCodeFlow, refresh *RefreshTokenStore, enroll *Enrollment, tokens *TokenIssuer) *Handler {
	return &Handler{device: device, authz: authz, refresh: refresh, enroll: enroll, tokens: tokens}
}

// Routes mounts the /oauth/* endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/token", h.handleToken)
	r.Post("/device_authorization", h.handleDeviceAuthorization)
	r.Get("/authorize", h.handleAuthorize)
	r.Post("/revoke", h.handleRevoke)
	r.Post("/introspect", h.handleIntrospect)
	r.Post("/device/register", h.handleDeviceRegister)
	r.Post("/device/verify", h.handleDeviceVerify)
	r.Post("/device/approve", h.handleDeviceApprove)
	return r
}

// DiscoveryRoutes mounts the two /.well-known endpoints, kept separate from
// Routes since they live outside the /oauth prefix.
func (h *Handler) DiscoveryRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/openid-configuration", h.handleDiscovery)
	r.Get("/jwks.json", h.handleJWKS)
	return r
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httpserver.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	grantType := r.FormValue("grant_type")
	clientID := r.FormValue("client_id")

	switch grantType {
	case "authorization_code":
		resp, err := h.authz.Exchange(r.Context(), r.FormValue("code"), clientID, r.FormValue("redirect_uri"), r.FormValue("code_verifier"))
		writeTokenResult(w, resp, err)

	case "refresh_token":
		tenant, deviceID, err := h.refresh.Redeem(r.Context(), r.FormValue("refresh_token"), clientID)
		if err != nil {
			writeOAuthError(w, err)
			return
		}
		access, expiresIn, err := h.tokens.Issue(AccessTokenClaims{
			Subject: "tenant-" + tenant, Tenant: tenant, DeviceID: deviceID, ClientID: clientID,
		}, 0)
		if err != nil {
			writeOAuthError(w, err)
			return
		}
		newRefresh, err := h.refresh.Issue(r.Context(), tenant, deviceID, clientID)
		if err != nil {
			writeOAuthError(w, err)
			return
		}
		httpserver.Respond(w, http.StatusOK, DeviceTokenResponse{
			AccessToken: access, RefreshToken: newRefresh, TokenType: "Bearer", ExpiresIn: int(expiresIn.Seconds()),
		})

	case "urn:ietf:params:oauth:grant-type:device_code":
		resp, err := h.device.Poll(r.Context(), r.FormValue("device_code"), clientID)
		writeTokenResult(w, resp, err)

	default:
		httpserver.RespondOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", grantType)
	}
}

func (h *Handler) handleDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httpserver.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	clientID := r.FormValue("client_id")
	if clientID == "" {
		httpserver.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "client_id is required")
		return
	}
	var scope []string
	if s := r.FormValue("scope"); s != "" {
		scope = strings.Fields(s)
	}

	resp, err := h.device.Initiate(r.Context(), clientID, scope)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, resp)
}

// handleAuthorize enforces PKCE (mandatory S256 code_challenge) on the
// request shape, then checks for an already-authenticated caller (bearer
// token or session cookie, set by a prior device/enrollment exchange): if
// one verifies, it mints an authorization code bound to this request's
// client_id/redirect_uri/code_challenge and redirects straight to
// redirect_uri with code+state, per spec.md §6. Otherwise it falls back to
// the device verification page, preserving every query parameter, so an
// unauthenticated caller can complete the device flow and retry.
func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("response_type") != "code" {
		httpserver.RespondOAuthError(w, http.StatusBadRequest, "unsupported_response_type", "response_type must be code")
		return
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		httpserver.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "code_challenge with method S256 is required")
		return
	}

	if token := bearerOrCookieToken(r); token != "" {
		if claims, err := h.tokens.Verify(token); err == nil {
			code, err := h.authz.IssueCode(r.Context(), q.Get("client_id"), q.Get("redirect_uri"),
				q.Get("code_challenge"), claims.Subject, claims.TenantID(), q.Get("scope"))
			if err == nil {
				h.redirectWithCode(w, r, q.Get("redirect_uri"), code, q.Get("state"))
				return
			}
		}
	}

	sep := "?"
	if strings.Contains(h.device.verificationURI, "?") {
		sep = "&"
	}
	http.Redirect(w, r, h.device.verificationURI+sep+r.URL.RawQuery, http.StatusFound)
}

// bearerOrCookieToken extracts a caller's access token from the
// Authorization header, falling back to accessTokenCookie.
func bearerOrCookieToken(r *http.Request) string {
	if v := r.Header.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
		return strings.TrimPrefix(v, "Bearer ")
	}
	if c, err := r.Cookie(accessTokenCookie); err == nil {
		return c.Value
	}
	return ""
}

// redirectWithCode appends code (and state, if present) to redirectURI's
// query string and issues a 302. Responds 400 invalid_request if
// redirectURI doesn't parse.
func (h *Handler) redirectWithCode(w http.ResponseWriter, r *http.Request, redirectURI, code, state string) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		httpserver.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri does not parse")
		return
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	// RFC 7009: the authorization server responds 200 whether or not the
	// token was valid, to avoid leaking token validity to a caller that
	// doesn't otherwise have a way to check it.
	if err := r.ParseForm(); err == nil {
		_, _, _ = h.refresh.Redeem(r.Context(), r.FormValue("token"), r.FormValue("client_id"))
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httpserver.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	claims, err := h.tokens.Verify(r.FormValue("token"))
	if err != nil {
		httpserver.Respond(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"active":    true,
		"sub":       claims.Subject,
		"tenant":    claims.TenantID(),
		"scope":     claims.Scope,
		"client_id": claims.ClientID,
	})
}

type deviceRegisterRequest struct {
	Email      string `json:"email" validate:"required,email"`
	PublicKey  string `json:"public_key" validate:"required"` // base64-encoded Ed25519 public key
	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type"`
	Platform   string `json:"platform"`
}

func (h *Handler) handleDeviceRegister(w http.ResponseWriter, r *http.Request) {
	var req deviceRegisterRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	publicKey, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil {
		httpserver.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "public_key must be base64-encoded")
		return
	}

	registrationID, expiresIn, err := h.enroll.Register(r.Context(), req.Email, publicKey, req.DeviceName, req.DeviceType, req.Platform)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"registration_id": registrationID,
		"expires_in":      expiresIn,
	})
}

type deviceVerifyRequest struct {
	RegistrationID   string `json:"registration_id" validate:"required"`
	VerificationCode string `json:"verification_code" validate:"required"`
}

func (h *Handler) handleDeviceVerify(w http.ResponseWriter, r *http.Request) {
	var req deviceVerifyRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	resp, err := h.enroll.Verify(r.Context(), req.RegistrationID, req.VerificationCode)
	writeTokenResult(w, resp, err)
}

type deviceApproveRequest struct {
	UserCode          string `json:"user_code" validate:"required"`
	ApprovingTenant   string `json:"approving_tenant" validate:"required"`
	ApprovingDeviceID string `json:"approving_device_id"`
	Challenge         string `json:"challenge,omitempty"`  // base64-encoded
	Signature         string `json:"signature,omitempty"` // base64-encoded Ed25519 signature
}

func (h *Handler) handleDeviceApprove(w http.ResponseWriter, r *http.Request) {
	var req deviceApproveRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	var challenge, signature []byte
	var err error
	if req.Challenge != "" || req.Signature != "" {
		challenge, err = base64.StdEncoding.DecodeString(req.Challenge)
		if err != nil {
			httpserver.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "challenge must be base64-encoded")
			return
		}
		signature, err = base64.StdEncoding.DecodeString(req.Signature)
		if err != nil {
			httpserver.RespondOAuthError(w, http.StatusBadRequest, "invalid_request", "signature must be base64-encoded")
			return
		}
	}

	if err := h.device.Approve(r.Context(), req.UserCode, req.ApprovingTenant, req.ApprovingDeviceID, challenge, signature); err != nil {
		writeOAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleDiscovery serves the OIDC-shaped discovery document, deriving the
// base URL from the request host per spec.md §4.7.5.
func (h *Handler) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, BuildDiscovery(requestBaseURL(r)))
}

func (h *Handler) handleJWKS(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, h.tokens.JWKS())
}

func requestBaseURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}

func writeTokenResult(w http.ResponseWriter, resp *DeviceTokenResponse, err error) {
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, resp)
}

// writeOAuthError maps a tagged errkind.Error onto the OAuth error
// envelope and status code, per the disposition table in spec.md §7.
func writeOAuthError(w http.ResponseWriter, err error) {
	var kindErr *errkind.Error
	if !errors.As(err, &kindErr) {
		httpserver.RespondOAuthError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	switch kindErr.Kind {
	case errkind.AuthInvalidGrant:
		httpserver.RespondOAuthError(w, http.StatusBadRequest, "invalid_grant", kindErr.Cause.Error())
	case errkind.AuthInvalidClient:
		httpserver.RespondOAuthError(w, http.StatusUnauthorized, "invalid_client", kindErr.Cause.Error())
	case errkind.AuthAuthorizationPending:
		httpserver.RespondOAuthError(w, http.StatusBadRequest, "authorization_pending", "")
	case errkind.AuthSignatureInvalid:
		httpserver.RespondOAuthError(w, http.StatusUnauthorized, "invalid_grant", "signature verification failed")
	case errkind.AuthTokenExpired:
		w.Header().Set("WWW-Authenticate", "Bearer")
		httpserver.RespondOAuthError(w, http.StatusUnauthorized, "invalid_token", "token or code expired")
	default:
		httpserver.RespondOAuthError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}
