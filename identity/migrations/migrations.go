// Package migrations embeds the identity schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
