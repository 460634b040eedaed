package rpcservice_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolhost/runtime/abi"
	"github.com/toolhost/runtime/internal/toolhost/policy"
	"github.com/toolhost/runtime/internal/toolhost/registry"
	"github.com/toolhost/runtime/internal/toolhost/rpcservice"
	"github.com/toolhost/runtime/internal/toollog"
)

type fakeLibrary struct {
	name   string
	tools  []string
	onCall func(fn string, call abi.CallContext, input []byte) abi.CallResult
}

func (f *fakeLibrary) Descriptor() abi.LibraryDescriptor {
	tools := make([]abi.ToolDescriptor, len(f.tools))
	for i, fn := range f.tools {
		tools[i] = abi.ToolDescriptor{FunctionName: fn, DisplayName: fn, Tags: []string{"demo"}}
	}
	return abi.LibraryDescriptor{Name: f.name, Version: "1.0.0", Tools: tools}
}

func (f *fakeLibrary) Call(ctx context.Context, fn string, call abi.CallContext, input []byte) abi.CallResult {
	if f.onCall != nil {
		return f.onCall(fn, call, input)
	}
	return abi.CallResult{Kind: abi.ResultOk, Output: []byte(`{"ok":true}`)}
}

func (f *fakeLibrary) Close(ctx context.Context) error { return nil }

type fakeLoader struct {
	lib *fakeLibrary
}

func (l *fakeLoader) Load(ctx context.Context, path string) (abi.Library, error) {
	return l.lib, nil
}

func newTestService(t *testing.T, lib *fakeLibrary) *rpcservice.Service {
	t.Helper()
	reg := registry.New()
	_, err := reg.LoadLibrary(context.Background(), &fakeLoader{lib: lib}, "demo", "", nil)
	require.NoError(t, err)

	eng := policy.New(nil)
	logger, err := toollog.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(logger.Close)

	return rpcservice.New(reg, eng, logger)
}

func TestListTools_ReturnsLoadedTools(t *testing.T) {
	svc := newTestService(t, &fakeLibrary{name: "demo", tools: []string{"echo"}})

	req := httptest.NewRequest(http.MethodGet, "/v1/tools", nil)
	rec := httptest.NewRecorder()
	svc.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Tools, 1)
	assert.Equal(t, "tools/demo.echo", body.Tools[0].Name)
}

func TestSearchTools_RejectsEmptyQuery(t *testing.T) {
	svc := newTestService(t, &fakeLibrary{name: "demo", tools: []string{"echo"}})

	req := httptest.NewRequest(http.MethodPost, "/v1/tools:search", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	svc.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "query_embedding is required")
}

func TestSearchTools_MatchesOnQueryText(t *testing.T) {
	svc := newTestService(t, &fakeLibrary{name: "demo", tools: []string{"echo"}})

	reqBody, _ := json.Marshal(map[string]any{"query_text": "echo"})
	req := httptest.NewRequest(http.MethodPost, "/v1/tools:search", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()
	svc.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Results []struct {
			Tool struct {
				Name string `json:"name"`
			} `json:"tool"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Results, 1)
	assert.Equal(t, "tools/demo.echo", body.Results[0].Tool.Name)
}

func TestCallTool_UnknownToolReturnsNotFound(t *testing.T) {
	svc := newTestService(t, &fakeLibrary{name: "demo", tools: []string{"echo"}})

	req := httptest.NewRequest(http.MethodPost, "/v1/tools/demo.missing:call", bytes.NewReader([]byte(`{"input":{}}`)))
	rec := httptest.NewRecorder()
	svc.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCallTool_HappyPathReturnsOutput(t *testing.T) {
	lib := &fakeLibrary{
		name:  "demo",
		tools: []string{"echo"},
		onCall: func(fn string, call abi.CallContext, input []byte) abi.CallResult {
			return abi.CallResult{Kind: abi.ResultOk, Output: []byte(`{"echoed":true}`)}
		},
	}
	svc := newTestService(t, lib)

	req := httptest.NewRequest(http.MethodPost, "/v1/tools/demo.echo:call", bytes.NewReader([]byte(`{"input":{"message":"hi"}}`)))
	rec := httptest.NewRecorder()
	svc.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Output map[string]any `json:"output"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body.Output["echoed"])
}

func TestCallTool_SanitizesNonFiniteFloatsInOutput(t *testing.T) {
	lib := &fakeLibrary{
		name:  "demo",
		tools: []string{"divide"},
		onCall: func(fn string, call abi.CallContext, input []byte) abi.CallResult {
			return abi.CallResult{Kind: abi.ResultOk, Output: []byte(`{"value":NaN,"bound":Infinity,"negbound":-Infinity,"ok":1.5}`)}
		},
	}
	svc := newTestService(t, lib)

	req := httptest.NewRequest(http.MethodPost, "/v1/tools/demo.divide:call", bytes.NewReader([]byte(`{"input":{}}`)))
	rec := httptest.NewRecorder()
	svc.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Output map[string]any `json:"output"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(0), body.Output["value"])
	assert.Equal(t, float64(0), body.Output["bound"])
	assert.Equal(t, float64(0), body.Output["negbound"])
	assert.Equal(t, 1.5, body.Output["ok"])
}

func TestCallTool_ToolErrorKindMapsToInternalServerError(t *testing.T) {
	lib := &fakeLibrary{
		name:  "demo",
		tools: []string{"broken"},
		onCall: func(fn string, call abi.CallContext, input []byte) abi.CallResult {
			return abi.CallResult{Kind: abi.ResultError, Output: []byte("boom")}
		},
	}
	svc := newTestService(t, lib)

	req := httptest.NewRequest(http.MethodPost, "/v1/tools/demo.broken:call", bytes.NewReader([]byte(`{"input":{}}`)))
	rec := httptest.NewRecorder()
	svc.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCallTool_DeniedByPolicyReturnsForbidden(t *testing.T) {
	reg := registry.New()
	lib := &fakeLibrary{name: "demo", tools: []string{"echo"}}
	_, err := reg.LoadLibrary(context.Background(), &fakeLoader{lib: lib}, "demo", "", nil)
	require.NoError(t, err)

	eng := policy.New([]policy.Definition{
		{
			Name: "deny-all",
			Effects: []policy.Effect{
				{ToolSelector: "*", Phase: policy.PhasePre, When: "true", Deny: "true", Message: "denied by policy"},
			},
		},
	})
	logger, err := toollog.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(logger.Close)

	svc := rpcservice.New(reg, eng, logger)

	req := httptest.NewRequest(http.MethodPost, "/v1/tools/demo.echo:call", bytes.NewReader([]byte(`{"input":{}}`)))
	rec := httptest.NewRecorder()
	svc.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCallTool_ParsesCredentialHeader(t *testing.T) {
	var capturedCreds []byte
	lib := &fakeLibrary{
		name:  "demo",
		tools: []string{"echo"},
		onCall: func(fn string, call abi.CallContext, input []byte) abi.CallResult {
			capturedCreds = call.UserCredentials
			return abi.CallResult{Kind: abi.ResultOk, Output: []byte(`{}`)}
		},
	}
	svc := newTestService(t, lib)

	payload, _ := json.Marshal(map[string]any{"values": map[string]string{"api_key": "abc"}})
	encoded := base64.StdEncoding.EncodeToString(payload)

	req := httptest.NewRequest(http.MethodPost, "/v1/tools/demo.echo:call", bytes.NewReader([]byte(`{"input":{}}`)))
	req.Header.Set("X-Credential-weather", encoded)
	rec := httptest.NewRecorder()
	svc.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var creds map[string]map[string]string
	require.NoError(t, json.Unmarshal(capturedCreds, &creds))
	assert.Equal(t, "abc", creds["weather"]["api_key"])
}
