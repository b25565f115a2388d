package controlplane

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doRequest(t *testing.T, srv *httptest.Server, method, path, nodeName, token string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if nodeName != "" {
		req.Header.Set("x-lunatic-node-name", nodeName)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestRegisterIssuesToken(t *testing.T) {
	srv := httptest.NewServer(NewServer(NewStore()))
	defer srv.Close()

	body, _ := json.Marshal(registerRequest{CSR: []byte("csr")})
	resp := doRequest(t, srv, http.MethodPost, "/", "node-a", "", body)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out registerResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotEmpty(t, out.Token)
	assert.NotEmpty(t, out.Cert)
}

func TestAuthenticatedEndpointsRejectWrongToken(t *testing.T) {
	srv := httptest.NewServer(NewServer(NewStore()))
	defer srv.Close()

	resp := doRequest(t, srv, http.MethodGet, "/nodes", "node-a", "wrong-token", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestFullLifecycle(t *testing.T) {
	srv := httptest.NewServer(NewServer(NewStore()))
	defer srv.Close()

	regBody, _ := json.Marshal(registerRequest{CSR: []byte("csr")})
	regResp := doRequest(t, srv, http.MethodPost, "/", "node-a", "", regBody)
	var reg registerResponse
	require.NoError(t, json.NewDecoder(regResp.Body).Decode(&reg))
	regResp.Body.Close()

	startedBody, _ := json.Marshal(nodeInfo{Name: "node-a", Address: "10.0.0.1:1234"})
	startedResp := doRequest(t, srv, http.MethodPost, "/started", "node-a", reg.Token, startedBody)
	require.Equal(t, http.StatusOK, startedResp.StatusCode)
	startedResp.Body.Close()

	nodesResp := doRequest(t, srv, http.MethodGet, "/nodes", "node-a", reg.Token, nil)
	var nodes []nodeInfo
	require.NoError(t, json.NewDecoder(nodesResp.Body).Decode(&nodes))
	nodesResp.Body.Close()
	require.Len(t, nodes, 1)
	assert.Equal(t, "started", nodes[0].Status)
	assert.Equal(t, "10.0.0.1:1234", nodes[0].Address)

	uploadResp := doRequest(t, srv, http.MethodPost, "/module", "node-a", reg.Token, []byte{1, 2, 3, 4})
	var uploaded moduleUploadResponse
	require.NoError(t, json.NewDecoder(uploadResp.Body).Decode(&uploaded))
	uploadResp.Body.Close()
	require.NotEmpty(t, uploaded.ModuleID)

	fetchResp := doRequest(t, srv, http.MethodGet, "/module/"+uploaded.ModuleID, "node-a", reg.Token, nil)
	var fetched moduleFetchResponse
	require.NoError(t, json.NewDecoder(fetchResp.Body).Decode(&fetched))
	fetchResp.Body.Close()
	assert.Equal(t, []byte{1, 2, 3, 4}, fetched.Bytes)

	stoppedResp := doRequest(t, srv, http.MethodPost, "/stopped", "node-a", reg.Token, nil)
	assert.Equal(t, http.StatusOK, stoppedResp.StatusCode)
	stoppedResp.Body.Close()
}

func TestUploadModuleRejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(NewServer(NewStore()))
	defer srv.Close()

	regBody, _ := json.Marshal(registerRequest{CSR: []byte("csr")})
	regResp := doRequest(t, srv, http.MethodPost, "/", "node-a", "", regBody)
	var reg registerResponse
	require.NoError(t, json.NewDecoder(regResp.Body).Decode(&reg))
	regResp.Body.Close()

	oversized := make([]byte, MaxModuleUploadBytes+10)
	resp := doRequest(t, srv, http.MethodPost, "/module", "node-a", reg.Token, oversized)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestFetchUnknownModuleReturnsNotFound(t *testing.T) {
	srv := httptest.NewServer(NewServer(NewStore()))
	defer srv.Close()

	regBody, _ := json.Marshal(registerRequest{CSR: []byte("csr")})
	regResp := doRequest(t, srv, http.MethodPost, "/", "node-a", "", regBody)
	var reg registerResponse
	require.NoError(t, json.NewDecoder(regResp.Body).Decode(&reg))
	regResp.Body.Close()

	resp := doRequest(t, srv, http.MethodGet, "/module/999", "node-a", reg.Token, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
