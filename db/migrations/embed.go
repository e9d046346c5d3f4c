// Package dbmigrations exposes embedded SQL migrations for wallet-hub binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into wallet-hub binaries.
//
//go:embed *.sql
var Files embed.FS
