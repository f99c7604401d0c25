// Package client talks to a querydesk server: REST calls, the realtime
// websocket feed, and Desk, the local view that reconciles the two.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Identity headers honoured by the server on trusted localhost requests.
const (
	headerUserID   = "X-User-ID"
	headerUserRole = "X-User-Role"
	headerUserName = "X-User-Name"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
	// Token is sent as a bearer credential: an API key or a session JWT.
	Token string
	// Session identifies the caller on localhost without a token.
	Session Session
}

type Option func(*Client)

func WithToken(token string) Option {
	return func(c *Client) {
		c.Token = strings.TrimSpace(token)
	}
}

// WithSession sends the identity headers used by localhost deployments.
func WithSession(s Session) Option {
	return func(c *Client) {
		c.Session = s
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Me returns the identity the server resolved for this client.
func (c *Client) Me(ctx context.Context) (Session, error) {
	var out Session
	return out, c.do(ctx, http.MethodGet, "/api/me", nil, &out)
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil)
}

func (c *Client) Submit(ctx context.Context, req SubmitRequest) (Query, error) {
	var out Query
	return out, c.do(ctx, http.MethodPost, "/api/queries", req, &out)
}

func (c *Client) ListQueries(ctx context.Context, f QueryFilter) ([]Query, error) {
	values := url.Values{}
	if len(f.Status) > 0 {
		values.Set("status", strings.Join(f.Status, ","))
	}
	setIf(values, "owner", f.Owner)
	setIf(values, "category", f.Category)
	setIf(values, "customer", f.Customer)
	if f.Limit > 0 {
		values.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		values.Set("offset", strconv.Itoa(f.Offset))
	}
	var out struct {
		Queries []Query `json:"queries"`
	}
	if err := c.do(ctx, http.MethodGet, withQuery("/api/queries", values), nil, &out); err != nil {
		return nil, err
	}
	return out.Queries, nil
}

// ListAllQueries pages through ListQueries until the server runs out.
func (c *Client) ListAllQueries(ctx context.Context, f QueryFilter) ([]Query, error) {
	const pageSize = 100
	f.Limit, f.Offset = pageSize, 0
	var all []Query
	for {
		page, err := c.ListQueries(ctx, f)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
		f.Offset += pageSize
	}
}

func (c *Client) GetQuery(ctx context.Context, id string) (Query, error) {
	var out Query
	return out, c.do(ctx, http.MethodGet, "/api/queries/"+url.PathEscape(id), nil, &out)
}

func (c *Client) Accept(ctx context.Context, id string) (Query, error) {
	return c.queryAction(ctx, id, "accept", nil)
}

func (c *Client) Reply(ctx context.Context, id, body string) (Query, error) {
	return c.queryAction(ctx, id, "reply", map[string]string{"body": body})
}

func (c *Client) Resolve(ctx context.Context, id string) (Query, error) {
	return c.queryAction(ctx, id, "resolve", nil)
}

func (c *Client) Reopen(ctx context.Context, id, message string) (Query, error) {
	return c.queryAction(ctx, id, "reopen", map[string]string{"message": message})
}

func (c *Client) queryAction(ctx context.Context, id, action string, body any) (Query, error) {
	var out Query
	err := c.do(ctx, http.MethodPost, "/api/queries/"+url.PathEscape(id)+"/"+action, body, &out)
	return out, err
}

func (c *Client) Activity(ctx context.Context, id string, after uint64) ([]Activity, error) {
	values := url.Values{}
	if after > 0 {
		values.Set("after", strconv.FormatUint(after, 10))
	}
	var out struct {
		Activity []Activity `json:"activity"`
	}
	if err := c.do(ctx, http.MethodGet, withQuery("/api/queries/"+url.PathEscape(id)+"/activity", values), nil, &out); err != nil {
		return nil, err
	}
	return out.Activity, nil
}

func (c *Client) RequestTransfer(ctx context.Context, queryID, to, reason string) (TransferRecord, error) {
	var out TransferRecord
	err := c.do(ctx, http.MethodPost, "/api/queries/"+url.PathEscape(queryID)+"/transfers",
		map[string]string{"to": to, "reason": reason}, &out)
	return out, err
}

func (c *Client) ListTransfers(ctx context.Context, f TransferFilter) ([]TransferRecord, error) {
	values := url.Values{}
	setIf(values, "query", f.QueryID)
	setIf(values, "candidate", f.Candidate)
	setIf(values, "from", f.From)
	setIf(values, "status", f.Status)
	var out struct {
		Transfers []TransferRecord `json:"transfers"`
	}
	if err := c.do(ctx, http.MethodGet, withQuery("/api/transfers", values), nil, &out); err != nil {
		return nil, err
	}
	return out.Transfers, nil
}

func (c *Client) RespondToTransfer(ctx context.Context, transferID, decision string) (Query, error) {
	var out Query
	err := c.do(ctx, http.MethodPost, "/api/transfers/"+url.PathEscape(transferID)+"/respond",
		map[string]string{"decision": decision}, &out)
	return out, err
}

func (c *Client) CancelTransfer(ctx context.Context, transferID string) (Query, error) {
	var out Query
	err := c.do(ctx, http.MethodPost, "/api/transfers/"+url.PathEscape(transferID)+"/cancel", nil, &out)
	return out, err
}

func (c *Client) RegisterStaff(ctx context.Context, req RegisterStaffRequest) (Staff, error) {
	var out Staff
	return out, c.do(ctx, http.MethodPost, "/api/staff", req, &out)
}

func (c *Client) ListStaff(ctx context.Context, role string) ([]Staff, error) {
	values := url.Values{}
	setIf(values, "role", role)
	var out struct {
		Staff []Staff `json:"staff"`
	}
	if err := c.do(ctx, http.MethodGet, withQuery("/api/staff", values), nil, &out); err != nil {
		return nil, err
	}
	return out.Staff, nil
}

func (c *Client) SetWorkStatus(ctx context.Context, staffID, status string) (Staff, error) {
	var out Staff
	err := c.do(ctx, http.MethodPut, "/api/staff/"+url.PathEscape(staffID)+"/work-status",
		map[string]string{"status": status}, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body *bytes.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	}
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.applyHeaders(req.Header)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) applyHeaders(h http.Header) {
	if c.Token != "" {
		h.Set("Authorization", "Bearer "+c.Token)
		return
	}
	if c.Session.UserID != "" {
		h.Set(headerUserID, c.Session.UserID)
		h.Set(headerUserRole, c.Session.Role)
		if c.Session.Name != "" {
			h.Set(headerUserName, c.Session.Name)
		}
	}
}

func setIf(values url.Values, key, value string) {
	if value != "" {
		values.Set(key, value)
	}
}

func withQuery(path string, values url.Values) string {
	if len(values) == 0 {
		return path
	}
	return path + "?" + values.Encode()
}
