package controlclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterStoresToken(t *testing.T) {
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/", r.URL.Path)
		var req RegisterRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []byte("csr-bytes"), req.CSR)
		json.NewEncoder(w).Encode(RegisterResponse{Cert: []byte("cert"), Root: []byte("root"), Token: "tok-123"})
	}))
	defer srv.Close()

	node := uuid.New()
	c := New(srv.URL, node)
	resp, err := c.Register(context.Background(), RegisterRequest{CSR: []byte("csr-bytes")})
	require.NoError(t, err)
	assert.Equal(t, "tok-123", resp.Token)
	assert.Equal(t, node.String(), gotHeader.Get("x-lunatic-node-name"))
	// Register itself is unauthenticated — no token exists yet.
	assert.Empty(t, gotHeader.Get("Authorization"))

	assert.Equal(t, "tok-123", c.token)
}

func TestStartedSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/started", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, uuid.New())
	c.token = "secret-token"
	require.NoError(t, c.Started(context.Background(), NodeInfo{Name: "n1"}))
	assert.Equal(t, "Bearer secret-token", gotAuth)
}

func TestNodesDecodesList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/nodes", r.URL.Path)
		json.NewEncoder(w).Encode([]NodeInfo{{Name: "a"}, {Name: "b"}})
	}))
	defer srv.Close()

	c := New(srv.URL, uuid.New())
	nodes, err := c.Nodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "a", nodes[0].Name)
}

func TestUploadModuleRejectsOversized(t *testing.T) {
	c := New("http://unused.invalid", uuid.New())
	_, err := c.UploadModule(context.Background(), make([]byte, MaxModuleUploadBytes+1))
	require.Error(t, err)
}

func TestUploadModuleRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/module", r.URL.Path)
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		json.NewEncoder(w).Encode(moduleUploadResponse{ModuleID: "mod-9"})
	}))
	defer srv.Close()

	c := New(srv.URL, uuid.New())
	id, err := c.UploadModule(context.Background(), []byte{0, 1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, "mod-9", id)
}

func TestFetchModuleReturnsBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/module/abc", r.URL.Path)
		json.NewEncoder(w).Encode(moduleFetchResponse{Bytes: []byte("wasm-bytes")})
	}))
	defer srv.Close()

	c := New(srv.URL, uuid.New())
	b, err := c.FetchModule(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("wasm-bytes"), b)
}

func TestNonSuccessStatusReturnsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("no thanks"))
	}))
	defer srv.Close()

	c := New(srv.URL, uuid.New())
	_, err := c.Nodes(context.Background())
	require.Error(t, err)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)
}
