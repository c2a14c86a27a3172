// Package migrations embeds the SQL schema applied on start.
package migrations

import "embed"

// FS holds NNN_name.up.sql and NNN_name.down.sql files.
//
//go:embed *.sql
var FS embed.FS
