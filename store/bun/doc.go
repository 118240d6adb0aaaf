// Package bunstore implements the composite store.Store on PostgreSQL
// using the Bun ORM.
//
// Two entry points exist. New wraps a caller-owned *bun.DB and never
// closes it:
//
//	import (
//	    "github.com/uptrace/bun"
//	    "github.com/uptrace/bun/dialect/pgdialect"
//	    "github.com/uptrace/bun/driver/pgdriver"
//	    bunstore "github.com/xraph/notify/store/bun"
//	)
//
//	sqldb := sql.OpenDB(pgdriver.NewConnector(...))
//	db := bun.NewDB(sqldb, pgdialect.New())
//	store := bunstore.New(db)
//	store.Migrate(ctx)
//
// Open dials from a DSN instead; connections it opened are closed by
// Close.
package bunstore
