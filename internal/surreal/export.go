package surreal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// Export and Import move a full dataset as an opaque byte stream. They use
// the store's HTTP endpoints rather than the RPC socket, scoped by the
// session's current namespace/database.

// Export downloads the current namespace/database as a byte buffer.
func (c *Client) Export(ctx context.Context) ([]byte, error) {
	req, err := c.httpRequest(ctx, http.MethodGet, "/export", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("export: unexpected status %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("export: read body: %w", err)
	}
	return data, nil
}

// Import replays a previously exported dataset file into the current
// namespace/database.
func (c *Client) Import(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	defer f.Close()

	req, err := c.httpRequest(ctx, http.MethodPost, "/import", f)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("import: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}

func (c *Client) httpRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	base, err := httpBase(c.cfg.URL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return nil, err
	}
	ns, db := c.scope()
	req.SetBasicAuth(c.cfg.User, c.cfg.Pass)
	req.Header.Set("NS", ns)
	req.Header.Set("DB", db)
	return req, nil
}

// httpBase converts the websocket RPC endpoint into the store's HTTP root,
// e.g. "ws://localhost:8000/rpc" -> "http://localhost:8000".
func httpBase(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parse store url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported store url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/rpc")
	return strings.TrimSuffix(u.String(), "/"), nil
}
