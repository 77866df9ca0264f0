// Package migrations embeds the SQL schema migrations applied by
// cmd/migrate and by cmd/api's auto-migrate-on-boot path.
package migrations

import "embed"

// FS holds the embedded .sql migration files, consumed by golang-migrate's
// iofs source driver.
//
//go:embed *.sql
var FS embed.FS
