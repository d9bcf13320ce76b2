// Package migrations embeds the goose migrations of every supported database.
package migrations

import "embed"

// FS holds one directory per dialect: sqlite, postgres and clickhouse
//
//go:embed sqlite/*.sql postgres/*.sql clickhouse/*.sql
var FS embed.FS
