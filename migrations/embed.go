// Package migrations embeds the SQL schema for the graph store.
// Files are applied in lexical order and recorded in schema_migrations.
package migrations

import "embed"

// FS is the embedded migrations filesystem (001_provenance.sql, 002_edge_facts.sql, ...).
//
//go:embed *.sql
var FS embed.FS
