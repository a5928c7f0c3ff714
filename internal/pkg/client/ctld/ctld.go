// Package ctld pushes committed update lists to the controllers
// registered in cluster_table. Delivery is best effort: a controller
// that misses a push re-syncs with a full cache refresh on reconnect.
package ctld

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"sacctd/internal/pkg/model"
)

// DoFunc matches http.Client.Do, kept injectable for tests.
type DoFunc func(*http.Request) (*http.Response, error)

// Client delivers serialized update envelopes to controllers.
type Client struct {
	do     DoFunc
	logger *slog.Logger
}

// New builds a client with the given per-push timeout.
func New(timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hc := &http.Client{Timeout: timeout}
	return &Client{do: hc.Do, logger: logger}
}

// Set overrides the transport, for tests.
func (c *Client) Set(do DoFunc, logger *slog.Logger) *Client {
	c.do = do
	c.logger = logger
	return c
}

// Push delivers one payload to a single controller.
func (c *Client) Push(ctx context.Context, host string, port uint32, payload []byte) error {
	url := fmt.Sprintf("http://%s:%d/accounting/updates", host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("controller %s responded %s", url, resp.Status)
	}
	return nil
}

// Broadcast pushes one payload to every cluster row that carries a
// registered controller. Failures log and continue; order within one
// controller is preserved by the caller delivering sequentially.
func (c *Client) Broadcast(ctx context.Context, clusters model.Clusters, payload []byte) {
	for i := range clusters {
		cl := &clusters[i]
		if cl.Deleted != 0 || cl.ControlHost == "" || cl.ControlPort == 0 {
			continue
		}
		if err := c.Push(ctx, cl.ControlHost, cl.ControlPort, payload); err != nil {
			c.logger.Warn("update push failed",
				slog.String("cluster", cl.Name),
				slog.String("host", cl.ControlHost),
				slog.Any("err", err))
		}
	}
}
