// Package migrations embeds the SQL migration files for the fixed engine
// schema. Per-chat message tables are created on demand and are not part of
// this set.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
