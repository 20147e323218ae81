// Package migrations embeds the SQL migration files of the message stores.
package migrations

import "embed"

// FS holds the migrations of the local SQLite store.
//
//go:embed *.sql
var FS embed.FS

// PostgresFS holds the migrations of the Postgres gateway, under postgres/.
//
//go:embed postgres/*.sql
var PostgresFS embed.FS
