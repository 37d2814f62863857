package ldap

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// client implements the Client interface over a single bound connection.
// A synchronization run is one sequential batch pass, so one connection per
// directory is sufficient; reconnection happens through the retry path.
type client struct {
	config *ConnectionConfig
	log    *slog.Logger

	mu   sync.Mutex
	conn *ldap.Conn
}

// NewClient creates a new LDAP client for the given server.
func NewClient(config *ConnectionConfig, log *slog.Logger) Client {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = slog.Default()
	}
	return &client{
		config: config,
		log:    log.With("server", config.URL),
	}
}

// Connect dials and authenticates the connection.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *client) connectLocked(ctx context.Context) error {
	if c.conn != nil && !c.conn.IsClosing() {
		return nil
	}

	tlsConfig, err := c.buildTLSConfig()
	if err != nil {
		return err
	}

	start := time.Now()
	conn, err := ldap.DialURL(c.config.URL, ldap.DialWithTLSConfig(tlsConfig))
	if err != nil {
		return NewConnectionError(fmt.Sprintf("failed to connect to %s", c.config.URL), true, err)
	}
	conn.SetTimeout(c.config.Timeout)

	if err := c.authenticate(ctx, conn); err != nil {
		conn.Close()
		return err
	}

	c.log.Debug("directory connection established",
		"auth_method", c.config.GetAuthMethod().String(),
		"duration_ms", time.Since(start).Milliseconds())

	c.conn = conn
	return nil
}

// buildTLSConfig derives the TLS configuration from the connection settings.
func (c *client) buildTLSConfig() (*tls.Config, error) {
	tlsConfig := c.config.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	tlsConfig = tlsConfig.Clone()
	tlsConfig.InsecureSkipVerify = c.config.TLSSkipVerify

	if c.config.TLSCACertFile != "" {
		pem, err := os.ReadFile(c.config.TLSCACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate %s: %w", c.config.TLSCACertFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", c.config.TLSCACertFile)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// authenticate performs authentication based on the configured method.
func (c *client) authenticate(ctx context.Context, conn *ldap.Conn) error {
	switch c.config.GetAuthMethod() {
	case AuthMethodKerberos:
		if err := performKerberosAuth(conn, c.config); err != nil {
			return WrapError("gssapi_bind", err)
		}
	default:
		if c.config.BindDN == "" {
			return fmt.Errorf("bind DN is required for simple bind authentication")
		}
		if err := conn.Bind(c.config.BindDN, c.config.BindPassword); err != nil {
			return WrapError("simple_bind", err)
		}
	}
	return nil
}

// Close closes the connection.
func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Search performs an LDAP search.
func (c *client) Search(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	if req == nil {
		return nil, fmt.Errorf("search request cannot be nil")
	}

	timeLimit := req.TimeLimit
	if timeLimit == 0 {
		timeLimit = c.config.Timeout
	}

	ldapReq := ldap.NewSearchRequest(
		req.BaseDN,
		int(req.Scope),
		ldap.NeverDerefAliases,
		req.SizeLimit,
		int(timeLimit.Seconds()),
		false, // TypesOnly
		req.Filter,
		req.Attributes,
		nil, // Controls
	)

	start := time.Now()
	var result *ldap.SearchResult
	err := c.withRetry(ctx, "search", func(conn *ldap.Conn) error {
		var searchErr error
		result, searchErr = conn.SearchWithPaging(ldapReq, 1000)
		return searchErr
	})
	if err != nil {
		return nil, WrapError("search", err)
	}

	c.log.Debug("search completed",
		"base_dn", req.BaseDN,
		"filter", req.Filter,
		"scope", req.Scope.String(),
		"entries_found", len(result.Entries),
		"duration_ms", time.Since(start).Milliseconds())

	return &SearchResult{
		Entries: result.Entries,
		Total:   len(result.Entries),
	}, nil
}

// Add creates a new LDAP entry.
func (c *client) Add(ctx context.Context, req *AddRequest) error {
	if req == nil {
		return fmt.Errorf("add request cannot be nil")
	}

	ldapReq := ldap.NewAddRequest(req.DN, nil)
	for attr, values := range req.Attributes {
		ldapReq.Attribute(attr, values)
	}

	err := c.withRetry(ctx, "add", func(conn *ldap.Conn) error {
		return conn.Add(ldapReq)
	})
	if err != nil {
		return WrapError("add", err)
	}
	return nil
}

// Modify modifies an existing LDAP entry.
func (c *client) Modify(ctx context.Context, req *ModifyRequest) error {
	if req == nil {
		return fmt.Errorf("modify request cannot be nil")
	}

	ldapReq := ldap.NewModifyRequest(req.DN, nil)
	for attr, values := range req.AddAttributes {
		ldapReq.Add(attr, values)
	}
	for attr, values := range req.ReplaceAttributes {
		ldapReq.Replace(attr, values)
	}
	for attr, values := range req.DeleteAttributes {
		ldapReq.Delete(attr, values)
	}

	err := c.withRetry(ctx, "modify", func(conn *ldap.Conn) error {
		return conn.Modify(ldapReq)
	})
	if err != nil {
		return WrapError("modify", err)
	}
	return nil
}

// Delete removes an LDAP entry.
func (c *client) Delete(ctx context.Context, dn string) error {
	if dn == "" {
		return fmt.Errorf("DN cannot be empty")
	}

	err := c.withRetry(ctx, "delete", func(conn *ldap.Conn) error {
		return conn.Del(ldap.NewDelRequest(dn, nil))
	})
	if err != nil {
		return WrapError("delete", err)
	}
	return nil
}

// Compare checks an entry attribute against a specific value.
func (c *client) Compare(ctx context.Context, dn, attribute, value string) (bool, error) {
	if dn == "" {
		return false, fmt.Errorf("DN cannot be empty")
	}

	var matched bool
	err := c.withRetry(ctx, "compare", func(conn *ldap.Conn) error {
		var cmpErr error
		matched, cmpErr = conn.Compare(dn, attribute, value)
		return cmpErr
	})
	if err != nil {
		return false, WrapError("compare", err)
	}
	return matched, nil
}

// withRetry executes an operation with retry and reconnect logic.
func (c *client) withRetry(ctx context.Context, operation string, fn func(conn *ldap.Conn) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.log.Debug("retrying operation",
				"operation", operation,
				"attempt", attempt,
				"max_retries", c.config.MaxRetries,
				"last_error", lastErr.Error())
		}

		if err := c.connectLocked(ctx); err != nil {
			lastErr = err
		} else if err := fn(c.conn); err != nil {
			lastErr = err
		} else {
			return nil
		}

		if !isRetryableError(lastErr) {
			return lastErr
		}

		// Force a reconnect on the next attempt; retryable failures are
		// mostly dead connections.
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}

		if attempt == c.config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff = min(time.Duration(float64(backoff)*c.config.BackoffFactor), c.config.MaxBackoff)
		}
	}

	c.log.Error("operation failed after all retries exhausted",
		"operation", operation,
		"total_attempts", c.config.MaxRetries+1,
		"final_error", lastErr.Error())

	return NewConnectionError("operation failed after retries", false, lastErr)
}

// isRetryableError determines if an error should be retried.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if retryable, ok := err.(RetryableError); ok {
		return retryable.IsRetryable()
	}

	if ldap.IsErrorWithCode(err, ldap.LDAPResultBusy) ||
		ldap.IsErrorWithCode(err, ldap.LDAPResultUnavailable) ||
		ldap.IsErrorWithCode(err, ldap.LDAPResultServerDown) ||
		ldap.IsErrorWithCode(err, ldap.LDAPResultOperationsError) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset") {
		return true
	}

	return false
}
