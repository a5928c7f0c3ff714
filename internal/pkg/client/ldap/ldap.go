// Package ldap resolves accounting user names against the site
// directory. UIDs are not stored in the accounting tables; they resolve
// lazily through this client and cache in the user index.
package ldap

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	gldap "github.com/go-ldap/ldap/v3"

	"sacctd/config"
	"sacctd/internal/pkg/model"
)

// Resolver is the directory surface the user index and the API layer
// consume. A nil resolver leaves every uid at model.NoUID.
type Resolver interface {
	ResolveUID(ctx context.Context, name string) (uint32, error)
	UserAttributes(ctx context.Context, names []string) (map[string]Attribute, error)
	Close()
}

// Attribute is one directory entry flattened to attribute -> value.
type Attribute map[string]string

// Client wraps an established LDAP connection.
type Client struct {
	conn   *gldap.Conn
	baseDN string
}

// New dials and binds per the config. Plain LDAP, LDAPS and STARTTLS
// are supported, with optional custom root CAs, client certificates and
// connect/read timeouts.
func New(cfg config.LDAP) (*Client, error) {
	tlsCfg, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	scheme := "ldap"
	if cfg.UseTLS {
		scheme = "ldaps"
	}
	addr := fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port)

	var opts []gldap.DialOpt
	if tlsCfg != nil {
		opts = append(opts, gldap.DialWithTLSConfig(tlsCfg))
	}
	if d := connectDialer(cfg); d != nil {
		opts = append(opts, gldap.DialWithDialer(d))
	}
	conn, err := gldap.DialURL(addr, opts...)
	if err != nil {
		return nil, err
	}

	if cfg.StartTLS && !cfg.UseTLS {
		if err := conn.StartTLS(tlsCfg); err != nil {
			conn.Close()
			return nil, err
		}
	}
	if rt := parseDuration(cfg.ReadTimeout); rt > 0 {
		conn.SetTimeout(rt)
	}
	if cfg.BindDN != "" || cfg.BindPassword != "" {
		if err := conn.Bind(cfg.BindDN, cfg.BindPassword); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return &Client{conn: conn, baseDN: cfg.BaseDN}, nil
}

// Close closes the underlying LDAP connection.
func (c *Client) Close() {
	if c != nil && c.conn != nil {
		c.conn.Close()
	}
}

// ResolveUID looks up the uidNumber for one user name. A missing entry
// or a malformed uidNumber resolves to model.NoUID without error; the
// caller retries on the next demand.
func (c *Client) ResolveUID(ctx context.Context, name string) (uint32, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.NoUID, fmt.Errorf("user name is required")
	}
	req := gldap.NewSearchRequest(
		fmt.Sprintf("ou=Peoples,%s", c.baseDN),
		gldap.ScopeSingleLevel,
		gldap.NeverDerefAliases,
		2,
		0,
		false,
		fmt.Sprintf("(uid=%s)", gldap.EscapeFilter(name)),
		[]string{"uidNumber"},
		nil,
	)
	res, err := c.conn.Search(req)
	if err != nil {
		return model.NoUID, err
	}
	if len(res.Entries) == 0 {
		return model.NoUID, nil
	}
	n, err := strconv.ParseUint(res.Entries[0].GetAttributeValue("uidNumber"), 10, 32)
	if err != nil {
		return model.NoUID, nil
	}
	return uint32(n), nil
}

// UserAttributes fetches the directory entries for the given user
// names, keyed by uid. Names absent from the directory are simply
// missing from the result.
func (c *Client) UserAttributes(ctx context.Context, names []string) (map[string]Attribute, error) {
	if len(names) == 0 {
		return map[string]Attribute{}, nil
	}
	var sb strings.Builder
	sb.WriteString("(|")
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		fmt.Fprintf(&sb, "(uid=%s)", gldap.EscapeFilter(n))
	}
	sb.WriteString(")")

	req := gldap.NewSearchRequest(
		fmt.Sprintf("ou=Peoples,%s", c.baseDN),
		gldap.ScopeSingleLevel,
		gldap.NeverDerefAliases,
		0,
		0,
		false,
		sb.String(),
		[]string{"*", "+"},
		nil,
	)
	const step = 500
	res, err := c.conn.SearchWithPaging(req, step)
	if err != nil {
		return nil, err
	}

	out := make(map[string]Attribute, len(res.Entries))
	for _, e := range res.Entries {
		uid := e.GetAttributeValue("uid")
		if uid == "" {
			continue
		}
		attrs := make(Attribute, len(e.Attributes))
		for _, a := range e.Attributes {
			attrs[a.Name] = strings.Join(a.Values, ",")
		}
		out[uid] = attrs
	}
	return out, nil
}

// buildTLSConfig returns nil when no TLS option is set.
func buildTLSConfig(cfg config.LDAP) (*tls.Config, error) {
	needsTLS := cfg.UseTLS || cfg.StartTLS || cfg.InsecureSkipVerify ||
		cfg.RootCAFile != "" || cfg.ClientCertFile != "" || cfg.ClientKeyFile != "" || cfg.ServerName != ""
	if !needsTLS {
		return nil, nil
	}

	tlsCfg := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // configurable for testing/non-prod
	}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.RootCAFile != "" {
		pem, err := os.ReadFile(cfg.RootCAFile)
		if err != nil {
			return nil, err
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if ok := pool.AppendCertsFromPEM(pem); !ok {
			return nil, fmt.Errorf("failed to append Root CA from %s", cfg.RootCAFile)
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, err
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

func connectDialer(cfg config.LDAP) *net.Dialer {
	to := parseDuration(cfg.ConnectTimeout)
	if to <= 0 {
		return nil
	}
	return &net.Dialer{Timeout: to}
}

// parseDuration returns 0 on empty or invalid duration strings.
func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
