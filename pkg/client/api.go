package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/bilbo-22/familist/pkg/model"
)

const idempotencyHeader = "Idempotency-Key"

// StatusError is a reply from the server outside the 2xx range.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status code: %d", e.Code)
	}
	return fmt.Sprintf("unexpected status code: %d: %s", e.Code, e.Message)
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *StatusError) Permanent() bool {
	return e.Code >= 400 && e.Code < 500
}

// IsTransport reports whether err means the server was never reached or the exchange broke
// off. Replies with a status code and context cancellation are not transport errors.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ue *url.Error
	var ne net.Error
	return errors.As(err, &ue) || errors.As(err, &ne) || errors.Is(err, io.ErrUnexpectedEOF)
}

// API is a thin http client for the familist server.
type API struct {
	base *url.URL
	http *http.Client
}

func NewAPI(serverURL string, hc *http.Client) (*API, error) {
	base, err := url.Parse(strings.TrimSuffix(serverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https, got %q", serverURL)
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &API{base: base, http: hc}, nil
}

// EventsURL is the websocket address of the event stream.
func (a *API) EventsURL() string {
	u := a.base.JoinPath("api", "events")
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String()
}

func (a *API) Data(ctx context.Context) (model.Dataset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base.JoinPath("api", "data").String(), nil)
	if err != nil {
		return model.Dataset{}, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return model.Dataset{}, fmt.Errorf("failed to get data: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return model.Dataset{}, err
	}
	var d model.Dataset
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return model.Dataset{}, fmt.Errorf("failed to decode data: %w", err)
	}
	return d.Clone(), nil
}

// Do sends one mutation. key, when set, is passed as the Idempotency-Key header.
func (a *API) Do(ctx context.Context, m Mutation, key string) error {
	var body io.Reader
	if m.Body != nil {
		body = bytes.NewReader(m.Body)
	}
	req, err := http.NewRequestWithContext(ctx, m.Method, a.base.String()+m.Path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if m.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set(idempotencyHeader, key)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", m.Method, m.Path, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &body) != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
	}
	return &StatusError{Code: resp.StatusCode, Message: body.Error}
}

// Mutation is one write request as it goes over the wire and into the outbox.
type Mutation struct {
	Method string
	Path   string
	Body   []byte
}

func newMutation(method, path string, body any) Mutation {
	m := Mutation{Method: method, Path: path}
	if body != nil {
		// every body is a plain struct of strings and bools
		m.Body, _ = json.Marshal(body)
	}
	return m
}

func createListMutation(l model.List) Mutation {
	return newMutation(http.MethodPost, "/api/lists", l)
}

func deleteListMutation(id string) Mutation {
	return newMutation(http.MethodDelete, "/api/lists/"+url.PathEscape(id), nil)
}

func addItemMutation(it model.Item) Mutation {
	return newMutation(http.MethodPost, "/api/items", it)
}

func toggleItemMutation(id string, completed bool) Mutation {
	return newMutation(http.MethodPatch, "/api/items/"+url.PathEscape(id), map[string]bool{"completed": completed})
}

func deleteItemMutation(id string) Mutation {
	return newMutation(http.MethodDelete, "/api/items/"+url.PathEscape(id), nil)
}

func reorderMutation(listID string, items []model.Item) Mutation {
	if items == nil {
		items = []model.Item{}
	}
	return newMutation(http.MethodPut, "/api/lists/"+url.PathEscape(listID)+"/items", map[string][]model.Item{"items": items})
}
