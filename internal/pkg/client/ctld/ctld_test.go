package ctld

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sacctd/internal/pkg/model"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func resp(code int) *http.Response {
	return &http.Response{
		StatusCode: code,
		Status:     http.StatusText(code),
		Body:       io.NopCloser(strings.NewReader("")),
	}
}

func TestPush(t *testing.T) {
	var got *http.Request
	var body string
	c := New(time.Second, discard()).Set(func(r *http.Request) (*http.Response, error) {
		got = r
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		return resp(http.StatusOK), nil
	}, discard())

	err := c.Push(context.Background(), "ctl1", 6817, []byte(`{"version":1}`))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "http://ctl1:6817/accounting/updates", got.URL.String())
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, `{"version":1}`, body)
}

func TestPushNonSuccessStatus(t *testing.T) {
	c := New(time.Second, discard()).Set(func(*http.Request) (*http.Response, error) {
		return resp(http.StatusServiceUnavailable), nil
	}, discard())
	err := c.Push(context.Background(), "ctl1", 6817, nil)
	assert.Error(t, err)
}

func TestBroadcastSkipsUnregistered(t *testing.T) {
	var hosts []string
	c := New(time.Second, discard()).Set(func(r *http.Request) (*http.Response, error) {
		hosts = append(hosts, r.URL.Hostname())
		return resp(http.StatusOK), nil
	}, discard())

	clusters := model.Clusters{
		{Name: "alpha", ControlHost: "ctl-a", ControlPort: 6817},
		{Name: "parked"}, // never registered
		{Name: "gone", ControlHost: "ctl-g", ControlPort: 6817, Deleted: 1},
		{Name: "beta", ControlHost: "ctl-b", ControlPort: 6818},
	}
	c.Broadcast(context.Background(), clusters, []byte("{}"))
	assert.Equal(t, []string{"ctl-a", "ctl-b"}, hosts)
}

func TestBroadcastContinuesPastFailure(t *testing.T) {
	var hosts []string
	c := New(time.Second, discard()).Set(func(r *http.Request) (*http.Response, error) {
		hosts = append(hosts, r.URL.Hostname())
		if r.URL.Hostname() == "ctl-a" {
			return resp(http.StatusBadGateway), nil
		}
		return resp(http.StatusOK), nil
	}, discard())

	clusters := model.Clusters{
		{Name: "alpha", ControlHost: "ctl-a", ControlPort: 6817},
		{Name: "beta", ControlHost: "ctl-b", ControlPort: 6817},
	}
	c.Broadcast(context.Background(), clusters, []byte("{}"))
	assert.Equal(t, []string{"ctl-a", "ctl-b"}, hosts)
}
