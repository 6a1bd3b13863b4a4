package migrations

import "embed"

// FS holds the SQL migrations compiled into every binary
//
//go:embed *.sql
var FS embed.FS
