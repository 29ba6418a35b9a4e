// Package deluge drives a Deluge daemon through its WebUI JSON-RPC endpoint.
package deluge

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/italolelis/magnetdrive/internal/logctx"
	"github.com/italolelis/magnetdrive/internal/transfer"
)

const (
	sessionCookie = "_session_id"

	// Deluge answers this code when the session cookie is missing or expired.
	errCodeNotAuthenticated = 1
	// StatusCode assigned to DaemonErrors caused by an expired session.
	errCodeNotAuthenticatedStatus = http.StatusUnauthorized
)

var statusFields = []string{
	"name", "progress", "state", "num_seeds", "total_wanted", "download_payload_rate", "save_path",
}

type Client struct {
	BaseURL    string
	APIPath    string
	Password   string
	httpClient *http.Client

	mu     sync.Mutex
	cookie string // session cookie
	nextID atomic.Int64
}

// NewClient creates a Deluge client. insecure skips TLS verification.
func NewClient(baseURL, apiPath, password string, insecure bool) *Client {
	client := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIPath:    apiPath,
		Password:   password,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}

	if insecure {
		client.httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		}
	}

	return client
}

type rpcError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     int64           `json:"id"`
}

// Authenticate logs in and stores the session cookie.
func (c *Client) Authenticate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("method", "auth.login")

	var ok bool
	if err := c.do(ctx, "auth.login", []any{c.Password}, &ok); err != nil {
		return err
	}

	if !ok {
		logger.ErrorContext(ctx, "login rejected")

		return &transfer.DaemonError{Operation: "auth.login", StatusCode: http.StatusUnauthorized, Message: "invalid password"}
	}

	logger.DebugContext(ctx, "authenticated")

	return nil
}

// Start adds the magnet with the given download location and labels it with category.
func (c *Client) Start(ctx context.Context, source *transfer.Source, savePath, category string) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("method", "core.add_torrent_magnet")

	var id *string

	err := c.call(ctx, "core.add_torrent_magnet", []any{source.URI, map[string]any{"download_location": savePath}}, &id)
	if err != nil {
		var daemonErr *transfer.DaemonError
		if errors.As(err, &daemonErr) && daemonErr.StatusCode == 0 && strings.Contains(strings.ToLower(daemonErr.Message), "already") {
			// A torrent we did not add is never adopted.
			logger.WarnContext(ctx, "torrent already present in deluge", "info_hash", source.InfoHash)

			return "", &transfer.DaemonError{Operation: "start", Message: "torrent is already present in the daemon", Err: err}
		}

		return "", err
	}

	handle := source.InfoHash
	if id != nil && *id != "" {
		handle = strings.ToLower(*id)
	}

	if category != "" {
		c.setLabel(ctx, handle, category)
	}

	logger.DebugContext(ctx, "torrent added", "handle", handle, "save_path", savePath)

	return handle, nil
}

// setLabel is best effort; the label plugin may not be enabled.
func (c *Client) setLabel(ctx context.Context, handle, category string) {
	logger := logctx.LoggerFromContext(ctx)
	label := strings.ToLower(category)

	if err := c.call(ctx, "label.add", []any{label}, nil); err != nil && !strings.Contains(err.Error(), "already exists") {
		logger.DebugContext(ctx, "failed to create deluge label", "label", label, "err", err)

		return
	}

	if err := c.call(ctx, "label.set_torrent", []any{handle, label}, nil); err != nil {
		logger.DebugContext(ctx, "failed to label torrent", "handle", handle, "err", err)
	}
}

type torrentStatus struct {
	Name                string  `json:"name"`
	Progress            float64 `json:"progress"`
	State               string  `json:"state"`
	NumSeeds            int     `json:"num_seeds"`
	TotalWanted         int64   `json:"total_wanted"`
	DownloadPayloadRate float64 `json:"download_payload_rate"`
	SavePath            string  `json:"save_path"`
}

// Progress returns the torrent status. Deluge answers an empty object for unknown torrents.
func (c *Client) Progress(ctx context.Context, handle string) (*transfer.Progress, error) {
	var raw map[string]json.RawMessage
	if err := c.call(ctx, "core.get_torrent_status", []any{handle, statusFields}, &raw); err != nil {
		return nil, err
	}

	if len(raw) == 0 {
		return nil, &transfer.HandleNotFoundError{Handle: handle}
	}

	b, _ := json.Marshal(raw)

	var st torrentStatus
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, &transfer.DaemonError{Operation: "progress", Message: "malformed torrent status", Err: err}
	}

	p := &transfer.Progress{
		Percent:       st.Progress,
		BytesTotal:    st.TotalWanted,
		DownloadSpeed: int64(st.DownloadPayloadRate),
		Seeders:       st.NumSeeds,
		DaemonState:   st.State,
		Name:          st.Name,
	}

	if st.SavePath != "" && st.Name != "" {
		p.PayloadPath = filepath.Join(st.SavePath, st.Name)
	}

	return p, nil
}

// Pause pauses the torrent.
func (c *Client) Pause(ctx context.Context, handle string) error {
	return c.call(ctx, "core.pause_torrent", []any{[]string{handle}}, nil)
}

// Cleanup removes the torrent. Unknown torrents are treated as already removed.
func (c *Client) Cleanup(ctx context.Context, handle string, deleteFiles bool) error {
	err := c.call(ctx, "core.remove_torrent", []any{handle, deleteFiles}, nil)
	if err != nil && strings.Contains(err.Error(), "InvalidTorrentError") {
		return nil
	}

	return err
}

// call runs an authenticated RPC, logging in again once when the session expired.
func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	err := c.do(ctx, method, params, result)

	var daemonErr *transfer.DaemonError
	if errors.As(err, &daemonErr) && daemonErr.StatusCode == errCodeNotAuthenticatedStatus {
		if err := c.Authenticate(ctx); err != nil {
			return err
		}

		return c.do(ctx, method, params, result)
	}

	return err
}

func (c *Client) do(ctx context.Context, method string, params []any, result any) error {
	logger := logctx.LoggerFromContext(ctx).With("method", method)

	body, err := json.Marshal(map[string]any{
		"id":     c.nextID.Add(1),
		"method": method,
		"params": params,
	})
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+c.APIPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}

	req.Header.Set("Content-Type", "application/json")

	c.mu.Lock()
	if c.cookie != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookie, Value: c.cookie})
	}
	c.mu.Unlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.ErrorContext(ctx, "HTTP error", "err", err)

		return &transfer.DaemonError{Operation: method, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		logger.ErrorContext(ctx, "non-200 response", "status", resp.StatusCode, "body", string(b))

		return &transfer.DaemonError{Operation: method, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(b))}
	}

	for _, cookie := range resp.Cookies() {
		if cookie.Name == sessionCookie {
			c.mu.Lock()
			c.cookie = cookie.Value
			c.mu.Unlock()
		}
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		logger.ErrorContext(ctx, "decode error", "err", err)

		return &transfer.DaemonError{Operation: method, Message: "malformed response", Err: err}
	}

	if rpcResp.Error != nil {
		daemonErr := &transfer.DaemonError{Operation: method, Message: rpcResp.Error.Message}
		if rpcResp.Error.Code == errCodeNotAuthenticated {
			daemonErr.StatusCode = errCodeNotAuthenticatedStatus
		}

		return daemonErr
	}

	if result == nil || len(rpcResp.Result) == 0 {
		return nil
	}

	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return &transfer.DaemonError{Operation: method, Message: "unexpected result", Err: err}
	}

	return nil
}

// Ensure Client implements transfer.TorrentDriver
var _ transfer.TorrentDriver = (*Client)(nil)
