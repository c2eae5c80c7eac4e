package mcp

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/wisbric/tieredfs/pkg/auth"
)

const sessionHeader = "Mcp-Session-Id"

// TokenVerifier is the bearer-validation surface the gateway needs;
// *auth.TokenIssuer satisfies it.
type TokenVerifier interface {
	Verify(raw string) (*auth.AccessTokenClaims, error)
}

// Gateway implements the MCP per-request contract from spec.md §4.8: bearer
// extraction, C7 validation, session allocation/binding, and tool
// dispatch. Its bearer-extraction shape mirrors
// internal/auth/middleware.go's "Authorization: Bearer <jwt>" handling,
// narrowed to C7's single token format.
type Gateway struct {
	tokens   TokenVerifier
	sessions *SessionStore
	registry *Registry
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewGateway builds a Gateway.
func NewGateway(tokens TokenVerifier, registry *Registry, log *slog.Logger) *Gateway {
	return &Gateway{
		tokens:   tokens,
		sessions: NewSessionStore(),
		registry: registry,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		log:      log,
	}
}

// Routes mounts the gateway's HTTP surface under a chi router: a JSON-RPC-
// shaped POST endpoint for initialize/tools/list/tools/call, and an
// optional websocket upgrade at /ws carrying the same message shape.
func (g *Gateway) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", g.handleRPC)
	r.Get("/ws", g.handleWebsocket)
	return r
}

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcResponse struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (g *Gateway) handleRPC(w http.ResponseWriter, r *http.Request) {
	claims, err := g.authenticate(r)
	if err != nil {
		writeUnauthorized(w, err)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if req.Method == "initialize" {
		sessionID, err := g.sessions.Allocate(claims.TenantID())
		if err != nil {
			writeRPCError(w, http.StatusInternalServerError, "allocating session")
			return
		}
		w.Header().Set(sessionHeader, sessionID)
		writeRPCResult(w, map[string]string{"session_id": sessionID})
		return
	}

	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		writeRPCError(w, http.StatusBadRequest, "missing "+sessionHeader+" header")
		return
	}
	tenantID, ok := g.sessions.TenantOf(sessionID)
	if !ok {
		writeRPCError(w, http.StatusUnauthorized, "unknown or expired session")
		return
	}
	if tenantID != claims.TenantID() {
		writeRPCError(w, http.StatusForbidden, "session tenant does not match token tenant")
		return
	}

	cc := CallContext{TenantID: tenantID, UserID: claims.Subject, Scopes: strings.Fields(claims.Scope)}

	switch req.Method {
	case "tools/list":
		writeRPCResult(w, g.registry.List())
	case "tools/call":
		g.handleToolCall(w, r, cc, req.Params)
	default:
		writeRPCError(w, http.StatusBadRequest, "unknown method "+req.Method)
	}
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (g *Gateway) handleToolCall(w http.ResponseWriter, r *http.Request, cc CallContext, raw json.RawMessage) {
	var params toolCallParams
	if err := json.Unmarshal(raw, &params); err != nil {
		writeRPCError(w, http.StatusBadRequest, "malformed tools/call params")
		return
	}

	result, err := g.registry.Dispatch(r.Context(), cc, params.Name, params.Arguments)
	if err != nil {
		var notFound *ErrToolNotFound
		var missingScope *ErrMissingScope
		switch {
		case errors.As(err, &notFound):
			writeRPCError(w, http.StatusNotFound, err.Error())
		case errors.As(err, &missingScope):
			writeRPCError(w, http.StatusForbidden, err.Error())
		default:
			g.log.Error("mcp: tool call failed", "tool", params.Name, "error", err)
			writeRPCError(w, http.StatusInternalServerError, "tool execution failed")
		}
		return
	}
	writeRPCResult(w, result)
}

// handleWebsocket upgrades the connection after the same bearer check as
// handleRPC, allocates a session bound to the token's tenant for the
// connection's lifetime (no Mcp-Session-Id header is read), then relays one
// rpcRequest/rpcResponse pair per frame until the client disconnects.
func (g *Gateway) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	claims, err := g.authenticate(r)
	if err != nil {
		writeUnauthorized(w, err)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("mcp: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sessionID, err := g.sessions.Allocate(claims.TenantID())
	if err != nil {
		g.log.Error("mcp: allocating websocket session", "error", err)
		return
	}
	defer g.sessions.Release(sessionID)

	cc := CallContext{TenantID: claims.TenantID(), UserID: claims.Subject, Scopes: strings.Fields(claims.Scope)}

	for {
		var req rpcRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		var resp rpcResponse
		switch req.Method {
		case "tools/list":
			resp.Result = g.registry.List()
		case "tools/call":
			var params toolCallParams
			if err := json.Unmarshal(req.Params, &params); err != nil {
				resp.Error = "malformed tools/call params"
				break
			}
			result, callErr := g.registry.Dispatch(r.Context(), cc, params.Name, params.Arguments)
			if callErr != nil {
				resp.Error = callErr.Error()
				break
			}
			resp.Result = result
		default:
			resp.Error = "unknown method " + req.Method
		}

		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

func (g *Gateway) authenticate(r *http.Request) (*auth.AccessTokenClaims, error) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, errors.New("missing bearer token")
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	return g.tokens.Verify(raw)
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	writeRPCError(w, http.StatusUnauthorized, err.Error())
}

func writeRPCResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rpcResponse{Result: result})
}

func writeRPCError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rpcResponse{Error: message})
}
