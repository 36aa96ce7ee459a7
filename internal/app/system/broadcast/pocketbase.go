package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// KeyField is the PocketBase text field (unique index) that holds the
// record key. PocketBase generates its own record ids, so lookups go
// through this field.
const KeyField = "key"

// Config configures the PocketBase client.
type Config struct {
	URL     string        // e.g. https://rt.example.com
	Token   string        // superuser auth token, sent as Authorization
	Timeout time.Duration // per-request timeout (default 10s)
}

// PocketBase writes records through the PocketBase REST records API.
// Clients subscribed to the collection receive the changes through
// PocketBase's realtime API.
type PocketBase struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// NewPocketBase creates a client. Call Close at shutdown.
func NewPocketBase(cfg Config) *PocketBase {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PocketBase{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		authToken:  cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// StatusError is returned when PocketBase answers with an unexpected status.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("pocketbase %s: status %d: %s", e.Op, e.Status, e.Body)
}

// Put creates the record or patches the existing one.
func (p *PocketBase) Put(ctx context.Context, collection, key string, data map[string]any) error {
	id, err := p.findID(ctx, collection, key)
	if err != nil {
		return err
	}
	body := make(map[string]any, len(data)+1)
	for k, v := range data {
		body[k] = v
	}
	body[KeyField] = key

	if id == "" {
		cerr := p.create(ctx, collection, body)
		if !isStatus(cerr, http.StatusBadRequest) {
			return cerr
		}
		// Lost a create race against another writer; patch the winner.
		if id, err = p.findID(ctx, collection, key); err != nil {
			return err
		}
		if id == "" {
			return cerr
		}
	}
	return p.patch(ctx, collection, id, body)
}

// Increment uses the PocketBase "field+" modifier, which is applied
// atomically by the server.
func (p *PocketBase) Increment(ctx context.Context, collection, key, field string, delta int) error {
	id, err := p.findID(ctx, collection, key)
	if err != nil {
		return err
	}
	if id == "" {
		cerr := p.create(ctx, collection, map[string]any{KeyField: key, field: delta})
		if !isStatus(cerr, http.StatusBadRequest) {
			return cerr
		}
		if id, err = p.findID(ctx, collection, key); err != nil {
			return err
		}
		if id == "" {
			return cerr
		}
	}
	return p.patch(ctx, collection, id, map[string]any{field + "+": delta})
}

// Delete removes the record at key if present.
func (p *PocketBase) Delete(ctx context.Context, collection, key string) error {
	id, err := p.findID(ctx, collection, key)
	if err != nil || id == "" {
		return err
	}
	resp, err := p.do(ctx, http.MethodDelete, p.recordsURL(collection)+"/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return expectStatus("delete", resp, http.StatusOK, http.StatusNoContent)
}

// Ping calls the PocketBase health endpoint.
func (p *PocketBase) Ping(ctx context.Context) error {
	resp, err := p.do(ctx, http.MethodGet, p.baseURL+"/api/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return expectStatus("health", resp, http.StatusOK)
}

// Close releases idle connections.
func (p *PocketBase) Close() {
	p.httpClient.CloseIdleConnections()
}

func (p *PocketBase) recordsURL(collection string) string {
	return fmt.Sprintf("%s/api/collections/%s/records", p.baseURL, url.PathEscape(collection))
}

func (p *PocketBase) findID(ctx context.Context, collection, key string) (string, error) {
	filter := fmt.Sprintf("%s='%s'", KeyField, escapeFilterValue(key))
	q := url.Values{}
	q.Set("filter", filter)
	q.Set("perPage", "1")
	q.Set("fields", "id")
	q.Set("skipTotal", "1")

	resp, err := p.do(ctx, http.MethodGet, p.recordsURL(collection)+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := expectStatus("find", resp, http.StatusOK); err != nil {
		return "", err
	}

	var result struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("pocketbase find: decode: %w", err)
	}
	if len(result.Items) == 0 {
		return "", nil
	}
	return result.Items[0].ID, nil
}

func (p *PocketBase) create(ctx context.Context, collection string, body map[string]any) error {
	resp, err := p.do(ctx, http.MethodPost, p.recordsURL(collection), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return expectStatus("create", resp, http.StatusOK, http.StatusCreated)
}

func (p *PocketBase) patch(ctx context.Context, collection, id string, body map[string]any) error {
	resp, err := p.do(ctx, http.MethodPatch, p.recordsURL(collection)+"/"+url.PathEscape(id), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return expectStatus("update", resp, http.StatusOK)
}

func (p *PocketBase) do(ctx context.Context, method, target string, body any) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("pocketbase: encode body: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.authToken != "" {
		req.Header.Set("Authorization", p.authToken)
	}
	return p.httpClient.Do(req)
}

func expectStatus(op string, resp *http.Response, ok ...int) error {
	for _, code := range ok {
		if resp.StatusCode == code {
			return nil
		}
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

func isStatus(err error, status int) bool {
	se, ok := err.(*StatusError)
	return ok && se.Status == status
}

// escapeFilterValue escapes a value for a single-quoted PocketBase filter
// string literal.
func escapeFilterValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return strings.ReplaceAll(v, `'`, `\'`)
}

var _ Store = (*PocketBase)(nil)
