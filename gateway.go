package shapesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shapesync/shapesync/utils"
)

// WriteResult is the server's answer to a successful write: the
// authoritative row as committed, and the txid of the commit that produced
// it. The txid later shows up on the shape log tagging the same change.
type WriteResult struct {
	Txid string          `json:"txid"`
	Row  json.RawMessage `json:"row"`
}

// Gateway performs the actual network writes. Failures are terminal from the
// core's point of view: the optimistic overlay is rolled back and nothing is
// retried (at-most-once). Retry policy, if any, belongs to the caller.
type Gateway interface {
	Create(ctx context.Context, table string, payload any) (*WriteResult, error)
	Update(ctx context.Context, table, key string, payload any) (*WriteResult, error)
	Delete(ctx context.Context, table, key string) (*WriteResult, error)
}

// HTTPGateway talks to the write API: POST /{table}, PUT /{table}/{id},
// DELETE /{table}/{id}, each returning {txid, row}.
type HTTPGateway struct {
	base   *url.URL
	client *http.Client
	userID string
	log    utils.Logger
}

type HTTPGatewayOptions struct {
	BaseURL string
	UserID  string
	Client  *http.Client
	Log     utils.Logger
	Timeout time.Duration
}

func (o *HTTPGatewayOptions) SetDefaults() {
	if o.Timeout == 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Client == nil {
		o.Client = &http.Client{Timeout: o.Timeout}
	}
}

func NewHTTPGateway(opts HTTPGatewayOptions) (*HTTPGateway, error) {
	opts.SetDefaults()
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	return &HTTPGateway{base: base, client: opts.Client, userID: opts.UserID, log: opts.Log}, nil
}

func (g *HTTPGateway) Create(ctx context.Context, table string, payload any) (*WriteResult, error) {
	return g.do(ctx, http.MethodPost, g.base.JoinPath(table), payload)
}

func (g *HTTPGateway) Update(ctx context.Context, table, key string, payload any) (*WriteResult, error) {
	return g.do(ctx, http.MethodPut, g.base.JoinPath(table, key), payload)
}

func (g *HTTPGateway) Delete(ctx context.Context, table, key string) (*WriteResult, error) {
	return g.do(ctx, http.MethodDelete, g.base.JoinPath(table, key), nil)
}

func (g *HTTPGateway) do(ctx context.Context, method string, u *url.URL, payload any) (*WriteResult, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.userID != "" {
		req.Header.Set("X-User-Id", g.userID)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var res WriteResult
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return nil, fmt.Errorf("%w: bad write response: %v", ErrNetwork, err)
		}
		return &res, nil
	case http.StatusNotFound:
		return nil, ErrNotFound
	case http.StatusUnprocessableEntity:
		var ve struct {
			Errors map[string]string `json:"errors"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&ve)
		return nil, &ValidationError{Fields: ve.Errors}
	default:
		return nil, fmt.Errorf("%w: unexpected status %d", ErrNetwork, resp.StatusCode)
	}
}
