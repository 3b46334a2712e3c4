package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ConnError is a failure to reach or exchange with a peer. Retryable
// failures are backed off and retried by the sync service; data is never
// lost, only delayed.
type ConnError struct {
	PeerID    string
	Retryable bool
	Err       error
}

// Error implements the error interface.
func (e *ConnError) Error() string {
	return fmt.Sprintf("peer %s: %v", e.PeerID, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnError) Unwrap() error { return e.Err }

// Client speaks the sync protocol to one or more peers over HTTP.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a sync client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Connect opens a sync session and returns the peer's clock.
func (c *Client) Connect(ctx context.Context, peer Peer, req *ConnectRequest) (*ConnectResponse, error) {
	var resp ConnectResponse
	if err := c.post(ctx, peer, "/v1/sync/connect", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendOps pushes a batch of operations to the peer.
func (c *Client) SendOps(ctx context.Context, peer Peer, batch *OpBatch) (*OpBatchResponse, error) {
	var resp OpBatchResponse
	if err := c.post(ctx, peer, "/v1/sync/ops", batch, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull fetches operations the peer holds that we have not acknowledged.
func (c *Client) Pull(ctx context.Context, peer Peer, req *PullRequest) (*PullResponse, error) {
	var resp PullResponse
	if err := c.post(ctx, peer, "/v1/sync/pull", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ack confirms operations we have durably applied.
func (c *Client) Ack(ctx context.Context, peer Peer, req *AckRequest) (*AckResponse, error) {
	var resp AckResponse
	if err := c.post(ctx, peer, "/v1/sync/ack", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, peer Peer, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &ConnError{PeerID: peer.NodeID, Retryable: false, Err: err}
	}

	url := fmt.Sprintf("http://%s%s", peer.SyncAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return &ConnError{PeerID: peer.NodeID, Retryable: false, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return &ConnError{PeerID: peer.NodeID, Retryable: true, Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1024))
		return &ConnError{
			PeerID: peer.NodeID,
			// Server errors are transient; client errors mean a protocol
			// mismatch that retrying will not fix.
			Retryable: httpResp.StatusCode >= 500,
			Err:       fmt.Errorf("%s returned %d: %s", path, httpResp.StatusCode, msg),
		}
	}

	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return &ConnError{PeerID: peer.NodeID, Retryable: true, Err: fmt.Errorf("decoding %s response: %w", path, err)}
	}
	return nil
}
