// Package migrations embeds the archive schema for each database dialect.
package migrations

import "embed"

// FS holds one directory per goose dialect.
//
//go:embed clickhouse/*.sql postgres/*.sql
var FS embed.FS

// Dir returns the directory under FS for a goose dialect.
func Dir(dialect string) string {
	if dialect == "postgres" {
		return "postgres"
	}
	return "clickhouse"
}
