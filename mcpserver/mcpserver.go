// Package mcpserver implements the JSON-RPC-style tool-call surface named
// in spec.md §6: kairos_mint/begin/next/attest/update/delete/dump/search,
// framed as streaming-POST JSON-RPC 2.0 requests the way an MCP client
// issues "tools/call" invocations.
package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"kairos.run/kairosapi"
	"kairos.run/kerrors"
	"kairos.run/model"
	"kairos.run/security"
	"kairos.run/tenant"
)

// rpcRequest is a JSON-RPC 2.0 request carrying an MCP tool invocation.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// toolCallParams is the params shape of a "tools/call" request.
type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Server dispatches JSON-RPC tool calls to a kairosapi.API.
type Server struct {
	api      *kairosapi.API
	resolver *tenant.Resolver
	issuers  *security.TrustedIssuers
	log      *logrus.Logger
}

// New builds an MCP server over an already-constructed API. issuers may be
// nil when auth is disabled.
func New(api *kairosapi.API, resolver *tenant.Resolver, issuers *security.TrustedIssuers, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{api: api, resolver: resolver, issuers: issuers, log: log}
}

// ServeHTTP implements the streaming-POST JSON-RPC entry point.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, nil, nil, &rpcError{Code: -32700, Message: "parse error"})
		return
	}

	tc, err := s.resolveTenant(r)
	if err != nil {
		writeRPC(w, req.ID, nil, &rpcError{Code: -32000, Message: err.Error(),
			Data: map[string]string{"error_code": string(kerrors.CodeAuthRequired)}})
		return
	}

	switch req.Method {
	case "initialize":
		writeRPC(w, req.ID, map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]string{"name": "kairos", "version": "1"},
		}, nil)
	case "tools/list":
		writeRPC(w, req.ID, map[string]interface{}{"tools": toolDescriptors()}, nil)
	case "tools/call":
		var params toolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeRPC(w, req.ID, nil, &rpcError{Code: -32602, Message: "invalid params"})
			return
		}
		result, err := s.dispatch(r.Context(), tc, params.Name, params.Arguments)
		if err != nil {
			writeRPC(w, req.ID, nil, toRPCError(err))
			return
		}
		writeRPC(w, req.ID, result, nil)
	default:
		writeRPC(w, req.ID, nil, &rpcError{Code: -32601, Message: "method not found"})
	}
}

// resolveTenant extracts and verifies the bearer token, if any, per §6
// "Authentication": absence resolves to AUTH_REQUIRED-on-write when auth is
// enabled, or the shared default space when it is disabled.
func (s *Server) resolveTenant(r *http.Request) (*tenant.Context, error) {
	if s.issuers == nil {
		return s.resolver.ResolveAnonymous(), nil
	}

	token := bearerToken(r)
	if token == "" {
		return s.resolver.ResolveUnauthenticated(), nil
	}

	claims, err := s.issuers.Verify(r.Context(), token)
	if err != nil {
		return s.resolver.ResolveUnauthenticated(), nil
	}
	return s.resolver.ResolveClaims(claims, groupsOf(claims)), nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

func groupsOf(claims *security.Claims) []string {
	raw, ok := claims.Extra["groups"]
	if !ok {
		return nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	groups := make([]string, 0, len(list))
	for _, g := range list {
		if s, ok := g.(string); ok {
			groups = append(groups, s)
		}
	}
	return groups
}

func writeRPC(w http.ResponseWriter, id json.RawMessage, result interface{}, rpcErr *rpcError) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr})
}

func toRPCError(err error) *rpcError {
	code := kerrors.CodeOf(err)
	if code == "" {
		return &rpcError{Code: -32000, Message: err.Error()}
	}
	return &rpcError{Code: -32000, Message: err.Error(), Data: map[string]string{"error_code": string(code)}}
}

// mintArgs/beginArgs/... mirror spec.md §6's JSON-RPC tool argument shapes.
type mintArgs struct {
	MarkdownDoc string `json:"markdown_doc"`
	LLMModelID  string `json:"llm_model_id"`
	ForceUpdate bool   `json:"force_update"`
}

type beginArgs struct {
	Query string `json:"query"`
	URI   string `json:"uri"`
	Limit int    `json:"limit"`
}

type nextArgs struct {
	URI      string          `json:"uri"`
	Solution *model.Solution `json:"solution"`
}

type attestArgs struct {
	URI          string  `json:"uri"`
	Outcome      string  `json:"outcome"`
	Message      string  `json:"message"`
	QualityBonus float64 `json:"quality_bonus"`
	Model        string  `json:"model"`
}

type updateArgs struct {
	URIs         []string `json:"uris"`
	MarkdownDocs []string `json:"markdown_doc"`
}

type deleteArgs struct {
	URIs []string `json:"uris"`
}

type dumpArgs struct {
	URI      string `json:"uri"`
	Protocol string `json:"protocol"`
}

type searchArgs struct {
	Query   string `json:"query"`
	SpaceID string `json:"space_id"`
}

// dispatch routes one named tool call to the kairosapi.API.
func (s *Server) dispatch(ctx context.Context, tc *tenant.Context, name string, rawArgs json.RawMessage) (interface{}, error) {
	switch name {
	case "kairos_mint":
		var a mintArgs
		if err := json.Unmarshal(rawArgs, &a); err != nil {
			return nil, kerrors.New(kerrors.CodeInvalidInput, "invalid kairos_mint arguments")
		}
		return s.api.Mint(ctx, tc, a.MarkdownDoc, a.LLMModelID, a.ForceUpdate)

	case "kairos_begin":
		var a beginArgs
		if err := json.Unmarshal(rawArgs, &a); err != nil {
			return nil, kerrors.New(kerrors.CodeInvalidInput, "invalid kairos_begin arguments")
		}
		step, choices, err := s.api.Begin(ctx, tc, a.Query, a.URI, a.Limit)
		if err != nil {
			return nil, err
		}
		if step != nil {
			return step, nil
		}
		return choices, nil

	case "kairos_next":
		var a nextArgs
		if err := json.Unmarshal(rawArgs, &a); err != nil {
			return nil, kerrors.New(kerrors.CodeInvalidInput, "invalid kairos_next arguments")
		}
		return s.api.Next(ctx, tc, a.URI, a.Solution)

	case "kairos_attest":
		var a attestArgs
		if err := json.Unmarshal(rawArgs, &a); err != nil {
			return nil, kerrors.New(kerrors.CodeInvalidInput, "invalid kairos_attest arguments")
		}
		return s.api.Attest(ctx, tc, a.URI, a.Outcome, a.Message, a.QualityBonus, a.Model)

	case "kairos_update":
		var a updateArgs
		if err := json.Unmarshal(rawArgs, &a); err != nil {
			return nil, kerrors.New(kerrors.CodeInvalidInput, "invalid kairos_update arguments")
		}
		reqs := make([]kairosapi.UpdateRequest, 0, len(a.URIs))
		for i, uri := range a.URIs {
			doc := ""
			if i < len(a.MarkdownDocs) {
				doc = a.MarkdownDocs[i]
			}
			reqs = append(reqs, kairosapi.UpdateRequest{URI: uri, MarkdownDoc: doc})
		}
		return s.api.Update(ctx, tc, reqs)

	case "kairos_delete":
		var a deleteArgs
		if err := json.Unmarshal(rawArgs, &a); err != nil {
			return nil, kerrors.New(kerrors.CodeInvalidInput, "invalid kairos_delete arguments")
		}
		return s.api.Delete(ctx, tc, a.URIs)

	case "kairos_dump":
		var a dumpArgs
		if err := json.Unmarshal(rawArgs, &a); err != nil {
			return nil, kerrors.New(kerrors.CodeInvalidInput, "invalid kairos_dump arguments")
		}
		return s.api.Dump(ctx, tc, a.URI, a.Protocol)

	case "kairos_search":
		var a searchArgs
		if err := json.Unmarshal(rawArgs, &a); err != nil {
			return nil, kerrors.New(kerrors.CodeInvalidInput, "invalid kairos_search arguments")
		}
		return s.api.Search(ctx, tc, a.Query, 0)

	default:
		return nil, kerrors.New(kerrors.CodeInvalidInput, "unknown tool: "+name)
	}
}

func toolDescriptors() []map[string]interface{} {
	names := []string{
		"kairos_mint", "kairos_begin", "kairos_next", "kairos_attest",
		"kairos_update", "kairos_delete", "kairos_dump", "kairos_search",
	}
	tools := make([]map[string]interface{}, 0, len(names))
	for _, n := range names {
		tools = append(tools, map[string]interface{}{"name": n})
	}
	return tools
}
