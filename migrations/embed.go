// Package migrations embeds the SQL schema so the migrate command and tests
// run without filesystem access to the repo.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
