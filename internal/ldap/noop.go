package ldap

import (
	"context"
	"log/slog"
)

// noopClient wraps a Client and suppresses all write operations while
// delegating reads. Suppressed writes report success so a dry run exercises
// the same code path as a production run.
type noopClient struct {
	inner Client
	log   *slog.Logger
}

// NewNoOpClient wraps an LDAP client for dry-run execution. Search and
// Compare delegate to the wrapped client; Add, Modify and Delete are logged
// and dropped.
func NewNoOpClient(inner Client, log *slog.Logger) Client {
	if log == nil {
		log = slog.Default()
	}
	return &noopClient{inner: inner, log: log}
}

func (c *noopClient) Connect(ctx context.Context) error {
	return c.inner.Connect(ctx)
}

func (c *noopClient) Close() error {
	return c.inner.Close()
}

func (c *noopClient) Search(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	return c.inner.Search(ctx, req)
}

func (c *noopClient) Compare(ctx context.Context, dn, attribute, value string) (bool, error) {
	return c.inner.Compare(ctx, dn, attribute, value)
}

func (c *noopClient) Add(ctx context.Context, req *AddRequest) error {
	c.log.Info("dry run: suppressed add", "dn", req.DN)
	return nil
}

func (c *noopClient) Modify(ctx context.Context, req *ModifyRequest) error {
	c.log.Info("dry run: suppressed modify", "dn", req.DN)
	return nil
}

func (c *noopClient) Delete(ctx context.Context, dn string) error {
	c.log.Info("dry run: suppressed delete", "dn", dn)
	return nil
}
