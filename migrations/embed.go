// Package migrations embeds the goose SQL migrations so every binary
// can apply the schema without shipping the files separately.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
