package credential_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolhost/runtime/internal/toolhost/credential"
	"github.com/toolhost/runtime/internal/toolhost/toolhosterr"
)

func TestMemoryStore_SetGetDelete(t *testing.T) {
	store := credential.NewMemoryStore()

	_, err := store.Get("weather", "api_key")
	require.Error(t, err)
	assert.Equal(t, toolhosterr.NotFound, toolhosterr.KindOf(err))

	require.NoError(t, store.Set("weather", "api_key", "secret"))
	value, err := store.Get("weather", "api_key")
	require.NoError(t, err)
	assert.Equal(t, "secret", value)

	require.NoError(t, store.Delete("weather", "api_key"))
	_, err = store.Get("weather", "api_key")
	require.Error(t, err)
	assert.Equal(t, toolhosterr.NotFound, toolhosterr.KindOf(err))
}

func TestMemoryStore_DeleteUnknownFieldIsNotFound(t *testing.T) {
	store := credential.NewMemoryStore()
	err := store.Delete("weather", "missing")
	require.Error(t, err)
	assert.Equal(t, toolhosterr.NotFound, toolhosterr.KindOf(err))
}

func TestResolveSystemCredentials_OmitsUnresolvedFields(t *testing.T) {
	store := credential.NewMemoryStore()
	require.NoError(t, store.Set("weather", "api_key", "secret"))

	values := credential.ResolveSystemCredentials(store, "weather", []string{"api_key", "region"})
	assert.Equal(t, map[string]string{"api_key": "secret"}, values)
}

func TestOAuthResolver_FetchesAndCachesToken(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","token_type":"bearer","expires_in":3600}`))
	}))
	defer server.Close()

	resolver := credential.NewOAuthResolver("client-id", "client-secret", server.URL, nil)

	token, err := resolver.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	token, err = resolver.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
	assert.Equal(t, 1, calls, "second call must reuse the cached token instead of refetching")
}

func TestOAuthResolver_SurfacesTokenEndpointFailureAsIoError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	resolver := credential.NewOAuthResolver("client-id", "client-secret", server.URL, nil)
	_, err := resolver.Token(context.Background())
	require.Error(t, err)
	assert.Equal(t, toolhosterr.Io, toolhosterr.KindOf(err))
}
