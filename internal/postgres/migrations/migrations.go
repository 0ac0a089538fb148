// Package migrations embeds the SQL schema files applied by `migrate`.
package migrations

import "embed"

// FS holds the numbered migration files, applied in lexical order.
//
//go:embed *.sql
var FS embed.FS
