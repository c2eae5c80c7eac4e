package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the generic JSON error envelope used by non-OAuth
// endpoints (the MCP gateway, admin helpers).
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes a generic JSON error response.
func RespondError(w http.ResponseWriter, status int, err string, message string) {
	Respond(w, status, ErrorResponse{Error: err, Message: message})
}

// OAuthErrorResponse is the standard OAuth 2.0 error envelope (RFC 6749
// §5.2): {"error": "...", "error_description": "..."}. Auth endpoints never
// leak stack traces or internal error text through this envelope.
type OAuthErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// RespondOAuthError writes the standard OAuth error object.
func RespondOAuthError(w http.ResponseWriter, status int, code, description string) {
	Respond(w, status, OAuthErrorResponse{Error: code, ErrorDescription: description})
}
