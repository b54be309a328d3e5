package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context bundles a request context with an optional GORM transaction.
// Repos take it on every call so a service can run multi-repo writes under
// one transaction without changing any signatures.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

// On returns the handle a query should run on: the open transaction when
// there is one, otherwise the base connection.
func (c Context) On(base *gorm.DB) *gorm.DB {
	if c.Tx != nil {
		return c.Tx
	}
	return base
}
