// Package rpcservice exposes the registry and policy engine over HTTP+JSON:
// a bare http.ServeMux with method-prefixed patterns and json.NewEncoder
// for every response (errors included), handling metadata/credential
// header extraction, pagination defaults and caps, tool-name-format
// validation, and NaN/Infinity-to-zero JSON coercion on tool output.
package rpcservice

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/toolhost/runtime/abi"
	"github.com/toolhost/runtime/internal/toolhost/policy"
	"github.com/toolhost/runtime/internal/toolhost/registry"
	"github.com/toolhost/runtime/internal/toolhost/toolhosterr"
	"github.com/toolhost/runtime/internal/toollog"
)

// Service is the HTTP handler set backing the runtime's RPC surface.
type Service struct {
	mux *http.ServeMux

	registry *registry.Registry
	policy   *policy.Engine
	logger   *toollog.Logger
}

// New builds a Service routed under the conventional /v1 paths.
func New(reg *registry.Registry, eng *policy.Engine, logger *toollog.Logger) *Service {
	s := &Service{mux: http.NewServeMux(), registry: reg, policy: eng, logger: logger}
	s.routes()
	return s
}

func (s *Service) routes() {
	s.mux.HandleFunc("GET /v1/tools", s.handleListTools)
	s.mux.HandleFunc("POST /v1/tools:search", s.handleSearchTools)
	s.mux.HandleFunc("POST /v1/tools/{id}:call", s.handleCallTool)
}

// ServeHTTP satisfies http.Handler.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// toolView is the wire shape of a tool descriptor.
type toolView struct {
	Name         string   `json:"name"`
	DisplayName  string   `json:"display_name"`
	Version      string   `json:"version"`
	Description  string   `json:"description"`
	InputSchema  any      `json:"input_schema,omitempty"`
	OutputSchema any      `json:"output_schema,omitempty"`
	Capabilities []string `json:"capabilities"`
	Tags         []string `json:"tags"`
}

func toToolView(qualifiedID, displayName, version, description, inputSchema, outputSchema string, capabilities, tags []string) toolView {
	return toolView{
		Name:         "tools/" + qualifiedID,
		DisplayName:  displayName,
		Version:      version,
		Description:  description,
		InputSchema:  jsonStringToValue(inputSchema),
		OutputSchema: jsonStringToValue(outputSchema),
		Capabilities: capabilities,
		Tags:         tags,
	}
}

func jsonStringToValue(raw string) any {
	if raw == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil
	}
	return v
}

type listToolsResponse struct {
	Tools         []toolView `json:"tools"`
	NextPageToken string     `json:"next_page_token"`
}

func (s *Service) handleListTools(w http.ResponseWriter, r *http.Request) {
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	pageToken := r.URL.Query().Get("page_token")

	page := s.registry.List(pageToken, pageSize)

	views := make([]toolView, 0, len(page.Tools))
	for _, t := range page.Tools {
		views = append(views, toToolView(t.QualifiedID, t.DisplayName, t.Version, t.Description, t.InputSchema, t.OutputSchema, t.Capabilities, t.Tags))
	}

	writeJSON(w, http.StatusOK, listToolsResponse{Tools: views, NextPageToken: page.NextPageToken})
}

type searchToolsRequest struct {
	QueryEmbedding []float32 `json:"query_embedding"`
	QueryText      string    `json:"query_text"`
	PageSize       int       `json:"page_size"`
	PageToken      string    `json:"page_token"`
}

type searchResult struct {
	Tool           toolView `json:"tool"`
	RelevanceScore float64  `json:"relevance_score"`
}

type searchToolsResponse struct {
	Results       []searchResult `json:"results"`
	NextPageToken string         `json:"next_page_token"`
}

func (s *Service) handleSearchTools(w http.ResponseWriter, r *http.Request) {
	var req searchToolsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, toolhosterr.New(toolhosterr.InvalidArgument, "malformed request body"))
		return
	}

	if len(req.QueryEmbedding) == 0 && req.QueryText == "" {
		writeError(w, toolhosterr.New(toolhosterr.InvalidArgument, "query_embedding is required"))
		return
	}

	page, err := s.registry.Search(req.QueryEmbedding, req.QueryText, req.PageToken, req.PageSize)
	if err != nil {
		writeError(w, err)
		return
	}

	results := make([]searchResult, 0, len(page.Results))
	for _, res := range page.Results {
		h, err := s.registry.Get(res.QualifiedID)
		if err != nil {
			continue
		}
		results = append(results, searchResult{
			Tool: toToolView(h.ToolInfo.QualifiedID, h.ToolInfo.DisplayName, h.ToolInfo.Version, h.ToolInfo.Description,
				h.ToolInfo.InputSchema, h.ToolInfo.OutputSchema, h.ToolInfo.Capabilities, h.ToolInfo.Tags),
			RelevanceScore: res.Score,
		})
	}

	writeJSON(w, http.StatusOK, searchToolsResponse{Results: results, NextPageToken: page.NextPageToken})
}

type callToolResponse struct {
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Service) handleCallTool(w http.ResponseWriter, r *http.Request) {
	qualifiedID := r.PathValue("id")
	if qualifiedID == "" {
		writeError(w, toolhosterr.New(toolhosterr.InvalidArgument, "invalid tool name format"))
		return
	}

	requestID := r.Header.Get("X-Request-Id")
	sessionID := r.Header.Get("X-Session-Id")
	userID := r.Header.Get("X-User-Id")
	userCredentials := extractCredentials(r.Header, s.logger)

	var body struct {
		Input json.RawMessage `json:"input"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, toolhosterr.New(toolhosterr.InvalidArgument, "malformed request body"))
			return
		}
	}
	input := body.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}

	h, err := s.registry.Get(qualifiedID)
	if err != nil {
		writeError(w, err)
		return
	}

	var args map[string]any
	_ = json.Unmarshal(input, &args)

	callInput := policy.CallInput{
		SessionID:   sessionID,
		QualifiedID: qualifiedID,
		Arguments:   args,
	}

	if err := s.policy.EvaluatePre(callInput); err != nil {
		writeError(w, err)
		return
	}

	userCredsBytes, _ := json.Marshal(userCredentials)

	output, callErr := s.registry.Call(r.Context(), qualifiedID, abi.CallContext{
		RequestID:       requestID,
		SessionID:       sessionID,
		UserID:          userID,
		UserCredentials: userCredsBytes,
	}, input)

	var outputValue any
	if callErr == nil {
		if err := json.Unmarshal(quoteNonFiniteLiterals(output), &outputValue); err != nil {
			outputValue = nil
		}
		sanitizeNonFinite(&outputValue)
	}

	outcome := policy.Outcome{Succeeded: callErr == nil, Output: outputValue}
	if callErr != nil {
		outcome.Message = callErr.Error()
	}
	for _, postErr := range s.policy.EvaluatePost(callInput, outcome) {
		s.logger.Warn("post-call policy effect failed", map[string]any{"tool_id": qualifiedID, "error": postErr.Error()})
	}

	if callErr != nil {
		s.logger.Error("tool invocation failed", map[string]any{"tool_id": qualifiedID, "error": callErr.Error()})
		writeError(w, callErr)
		return
	}

	writeJSON(w, http.StatusOK, callToolResponse{Output: outputValue})
}

// extractCredentials parses x-credential-{name} headers containing
// base64-encoded JSON of the form {"values": {...}}. A header that fails to
// decode or parse is dropped with a logged warning rather than failing the
// whole request.
func extractCredentials(header http.Header, logger *toollog.Logger) map[string]map[string]string {
	out := make(map[string]map[string]string)
	for key, values := range header {
		lower := strings.ToLower(key)
		name, ok := strings.CutPrefix(lower, "x-credential-")
		if !ok || len(values) == 0 {
			continue
		}

		decoded, err := base64.StdEncoding.DecodeString(values[0])
		if err != nil {
			if logger != nil {
				logger.Warn("failed to decode base64 credential", map[string]any{"credential": name, "error": err.Error()})
			}
			continue
		}

		var data struct {
			Values map[string]string `json:"values"`
		}
		if err := json.Unmarshal(decoded, &data); err != nil {
			if logger != nil {
				logger.Warn("failed to parse credential JSON", map[string]any{"credential": name, "error": err.Error()})
			}
			continue
		}

		out[name] = data.Values
	}
	return out
}

// nonFiniteSentinel stands in for a bare NaN/Infinity token that
// quoteNonFiniteLiterals rewrote into a string literal so encoding/json can
// parse it at all; sanitizeNonFinite recognizes it and coerces it to zero
// alongside an ordinary non-finite float64.
const nonFiniteSentinel = "__toolhost_nonfinite__"

// nonFiniteTokens are the bare identifiers encoding/json has no syntax for.
// A tool guest returning math.NaN or math.Inf produces one of these verbatim
// in its output bytes, which would otherwise fail to decode at all.
var nonFiniteTokens = []string{"-Infinity", "Infinity", "NaN"}

// quoteNonFiniteLiterals rewrites bare NaN/Infinity/-Infinity tokens that
// appear outside of string literals into a quoted sentinel, so the bytes
// become valid JSON before decoding. Tokens inside quoted strings are left
// untouched.
func quoteNonFiniteLiterals(data []byte) []byte {
	out := make([]byte, 0, len(data))
	inString := false
	escaped := false

	for i := 0; i < len(data); i++ {
		b := data[i]

		if inString {
			out = append(out, b)
			if escaped {
				escaped = false
			} else if b == '\\' {
				escaped = true
			} else if b == '"' {
				inString = false
			}
			continue
		}

		if b == '"' {
			inString = true
			out = append(out, b)
			continue
		}

		if matched := matchToken(data[i:], nonFiniteTokens); matched != "" {
			out = append(out, '"')
			out = append(out, nonFiniteSentinel...)
			out = append(out, '"')
			i += len(matched) - 1
			continue
		}

		out = append(out, b)
	}
	return out
}

func matchToken(data []byte, tokens []string) string {
	for _, tok := range tokens {
		if len(data) >= len(tok) && string(data[:len(tok)]) == tok {
			return tok
		}
	}
	return ""
}

// sanitizeNonFinite replaces any NaN/Infinity float64, or the quoted
// sentinel quoteNonFiniteLiterals substitutes for a bare one, found while
// walking a decoded JSON value with zero.
func sanitizeNonFinite(v *any) {
	switch val := (*v).(type) {
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			*v = float64(0)
		}
	case string:
		if val == nonFiniteSentinel {
			*v = float64(0)
		}
	case map[string]any:
		for k, child := range val {
			sanitizeNonFinite(&child)
			val[k] = child
		}
	case []any:
		for i, child := range val {
			sanitizeNonFinite(&child)
			val[i] = child
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch toolhosterr.KindOf(err) {
	case toolhosterr.InvalidArgument:
		status = http.StatusBadRequest
	case toolhosterr.NotFound:
		status = http.StatusNotFound
	case toolhosterr.Conflict:
		status = http.StatusConflict
	case toolhosterr.GuardFailed:
		status = http.StatusForbidden
	case toolhosterr.Unavailable:
		status = http.StatusServiceUnavailable
	case toolhosterr.ToolPanic, toolhosterr.ToolError, toolhosterr.EvaluationError, toolhosterr.AbiMismatch, toolhosterr.IntegrityViolation, toolhosterr.Io, toolhosterr.Internal:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, callToolResponse{Error: err.Error()})
}
