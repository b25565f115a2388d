// Package controlclient implements C12: the consumer-side HTTP client a
// node uses to talk to the control plane (spec.md §6) — registration via
// a certificate signing request, the started/stopped lifecycle pings,
// peer discovery, and module upload/fetch. Built on stdlib net/http +
// context (justified in DESIGN.md: the pack carries no bespoke REST
// client library, only server-side HTTP stacks). Node identity is a
// github.com/google/uuid.UUID, the pack's real dependency for exactly
// this purpose.
package controlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
)

// MaxModuleUploadBytes bounds a module upload body (spec.md §6: "Request
// bodies for module upload bounded at 50 MiB").
const MaxModuleUploadBytes = 50 * 1024 * 1024

// Client is one node's bound connection to a control plane: a base URL,
// this node's identity, and — once Register has succeeded — the bearer
// token every subsequent call carries.
type Client struct {
	baseURL  string
	nodeName uuid.UUID
	http     *http.Client

	token string
}

// Option configures a Client at construction.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client (e.g. for custom TLS
// trusting the control plane's self-signed root once Register returns
// one — spec.md §6: "Cluster PKI is a self-signed root with per-node
// leaf certs signed from CSR").
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New constructs a Client addressing baseURL, identifying itself as
// nodeName on every call, Register included.
func New(baseURL string, nodeName uuid.UUID, opts ...Option) *Client {
	c := &Client{baseURL: baseURL, nodeName: nodeName, http: http.DefaultClient}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RegisterRequest carries this node's CSR to POST /.
type RegisterRequest struct {
	CSR  []byte            `json:"csr"`
	Tags map[string]string `json:"tags,omitempty"`
}

// RegisterResponse is what the control plane returns on successful
// registration: a signed leaf cert, the cluster's root cert, the bearer
// token this node authenticates with from then on, and the monotonic
// node id this node is addressed by on the dist wire (spec.md is silent
// on how a node learns its own wire-level id; the original's control
// server assigns one at registration time, so this client surfaces it
// the same way).
type RegisterResponse struct {
	Cert   []byte `json:"cert"`
	Root   []byte `json:"root"`
	Token  string `json:"token"`
	NodeID uint64 `json:"node_id"`
}

// Register exchanges req's CSR for a signed certificate and bearer
// token, storing the token on the Client for every subsequent call.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	var out RegisterResponse
	if err := c.doJSON(ctx, http.MethodPost, "/", req, &out, false); err != nil {
		return nil, fmt.Errorf("controlclient: register: %w", err)
	}
	c.token = out.Token
	return &out, nil
}

// NodeInfo describes one cluster member, as returned by GET /nodes.
type NodeInfo struct {
	NodeID  uint64            `json:"node_id"`
	Name    string            `json:"name"`
	Address string            `json:"address"`
	Status  string            `json:"status"`
	Tags    map[string]string `json:"tags,omitempty"`
}

// Started reports this node as up via POST /started.
func (c *Client) Started(ctx context.Context, info NodeInfo) error {
	if err := c.doJSON(ctx, http.MethodPost, "/started", info, nil, true); err != nil {
		return fmt.Errorf("controlclient: started: %w", err)
	}
	return nil
}

// Stopped reports this node as gracefully shutting down via POST /stopped.
func (c *Client) Stopped(ctx context.Context) error {
	if err := c.doJSON(ctx, http.MethodPost, "/stopped", nil, nil, true); err != nil {
		return fmt.Errorf("controlclient: stopped: %w", err)
	}
	return nil
}

// Nodes fetches the current cluster membership via GET /nodes.
func (c *Client) Nodes(ctx context.Context) ([]NodeInfo, error) {
	var out []NodeInfo
	if err := c.doJSON(ctx, http.MethodGet, "/nodes", nil, &out, true); err != nil {
		return nil, fmt.Errorf("controlclient: nodes: %w", err)
	}
	return out, nil
}

// moduleUploadResponse is POST /module's body shape.
type moduleUploadResponse struct {
	ModuleID string `json:"module_id"`
}

// UploadModule uploads wasmBytes, returning the id the control plane
// assigned it. wasmBytes must not exceed MaxModuleUploadBytes.
func (c *Client) UploadModule(ctx context.Context, wasmBytes []byte) (string, error) {
	if len(wasmBytes) > MaxModuleUploadBytes {
		return "", fmt.Errorf("controlclient: upload module: %d bytes exceeds the %d byte limit", len(wasmBytes), MaxModuleUploadBytes)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/module", bytes.NewReader(wasmBytes))
	if err != nil {
		return "", fmt.Errorf("controlclient: upload module: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	c.authenticate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("controlclient: upload module: %w", err)
	}
	defer resp.Body.Close()
	if err := statusErr(resp); err != nil {
		return "", fmt.Errorf("controlclient: upload module: %w", err)
	}
	var out moduleUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("controlclient: upload module: decode response: %w", err)
	}
	return out.ModuleID, nil
}

// moduleFetchResponse is GET /module/:id's body shape.
type moduleFetchResponse struct {
	Bytes []byte `json:"bytes"`
}

// FetchModule retrieves id's wasm bytes via GET /module/:id — the path
// a node takes on a cross-node spawn for a module it doesn't yet have
// cached (spec.md §4.8).
func (c *Client) FetchModule(ctx context.Context, id string) ([]byte, error) {
	var out moduleFetchResponse
	if err := c.doJSON(ctx, http.MethodGet, "/module/"+id, nil, &out, true); err != nil {
		return nil, fmt.Errorf("controlclient: fetch module %q: %w", id, err)
	}
	return out.Bytes, nil
}

// doJSON performs one request/response exchange with a JSON body both
// ways. body == nil sends no request body; out == nil discards the
// response body after checking its status.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any, authed bool) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		c.authenticate(req)
	} else {
		req.Header.Set("x-lunatic-node-name", c.nodeName.String())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if err := statusErr(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// authenticate attaches the bearer token and node identity headers
// (spec.md §6: "Authorization: Bearer <token>" and
// "x-lunatic-node-name: <uuid>").
func (c *Client) authenticate(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("x-lunatic-node-name", c.nodeName.String())
}

// StatusError is returned when the control plane responds with a
// non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("controlclient: unexpected status %d: %s", e.StatusCode, e.Body)
}

func statusErr(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
}
