// Package sacctd is the Go client for the accounting daemon's REST API.
// Tools and controllers use it instead of speaking HTTP by hand.
package sacctd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"sacctd/internal/pkg/model"
)

// ActorHeader carries the principal the daemon authorizes against.
const ActorHeader = "X-SLURM-USER"

// Client talks to one accounting daemon.
type Client struct {
	base  *url.URL
	hc    *http.Client
	actor string
}

// New builds a client for the daemon at baseURL, acting as actor.
func New(baseURL, actor string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:  u,
		hc:    &http.Client{Timeout: timeout},
		actor: actor,
	}, nil
}

// envelope mirrors the server's response body.
type envelope struct {
	Count    *int            `json:"count"`
	Previous *string         `json:"previous"`
	Next     *string         `json:"next"`
	Detail   string          `json:"detail"`
	Results  json.RawMessage `json:"results"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.base
	u.Path = path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return err
	}
	req.Header.Set(ActorHeader, c.actor)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil && err != io.EOF {
		return err
	}
	if resp.StatusCode >= 300 {
		if env.Detail != "" {
			return fmt.Errorf("%s %s: %s (%s)", method, path, env.Detail, resp.Status)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out != nil && len(env.Results) > 0 {
		return json.Unmarshal(env.Results, out)
	}
	return nil
}

// ListUsers returns one page of accounting users.
func (c *Client) ListUsers(ctx context.Context, page, pageSize int) (model.Users, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	var out model.Users
	if err := c.do(ctx, http.MethodGet, "/api/v1/users", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListAccounts returns one page of accounts.
func (c *Client) ListAccounts(ctx context.Context, page, pageSize int) (model.Accounts, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	var out model.Accounts
	if err := c.do(ctx, http.MethodGet, "/api/v1/accounts", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListQos returns one page of QOS definitions.
func (c *Client) ListQos(ctx context.Context, page, pageSize int) (model.Qoses, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	var out model.Qoses
	if err := c.do(ctx, http.MethodGet, "/api/v1/qos", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListAssociations returns association rows in tree order, optionally
// filtered by cluster, account and user.
func (c *Client) ListAssociations(ctx context.Context, cluster, acct, user string, page, pageSize int) (model.Associations, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	if cluster != "" {
		q.Set("cluster", cluster)
	}
	if acct != "" {
		q.Set("acct", acct)
	}
	if user != "" {
		q.Set("user", user)
	}
	var out model.Associations
	if err := c.do(ctx, http.MethodGet, "/api/v1/associations", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AssocUsage returns rolled-up usage rows for one association and window.
func (c *Client) AssocUsage(ctx context.Context, cluster, period string, assocID uint32, start, end time.Time) (model.AssocUsages, error) {
	q := url.Values{}
	q.Set("cluster", cluster)
	q.Set("period", period)
	if assocID != 0 {
		q.Set("assoc_id", strconv.FormatUint(uint64(assocID), 10))
	}
	q.Set("start", strconv.FormatInt(start.Unix(), 10))
	q.Set("end", strconv.FormatInt(end.Unix(), 10))
	var out model.AssocUsages
	if err := c.do(ctx, http.MethodGet, "/api/v1/usage/associations", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ClusterUsage returns whole-cluster capacity accounting for one window.
func (c *Client) ClusterUsage(ctx context.Context, cluster, period string, start, end time.Time) (model.ClusterUsages, error) {
	q := url.Values{}
	q.Set("cluster", cluster)
	q.Set("period", period)
	q.Set("start", strconv.FormatInt(start.Unix(), 10))
	q.Set("end", strconv.FormatInt(end.Unix(), 10))
	var out model.ClusterUsages
	if err := c.do(ctx, http.MethodGet, "/api/v1/usage/cluster", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AddAssociations inserts association rows.
func (c *Client) AddAssociations(ctx context.Context, rows model.Associations) error {
	return c.do(ctx, http.MethodPost, "/api/v1/associations", nil, rows, nil)
}

// RegisterCtld announces a controller to the daemon with its current
// capacity, returning the daemon's classification of the change.
func (c *Client) RegisterCtld(ctx context.Context, cluster, host string, port uint32, nodes, tres string) (string, error) {
	body := map[string]any{"host": host, "port": port, "nodes": nodes, "tres": tres}
	var out struct {
		TresChange string `json:"tres_change"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/clusters/"+cluster+"/register", nil, body, &out)
	return out.TresChange, err
}
