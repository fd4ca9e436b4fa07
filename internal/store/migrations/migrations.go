// Package migrations embeds the schema migration files applied by Store.Open.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS

// Names lists migration files in application order. New migrations are
// appended here and as a new numbered file.
var Names = []string{
	"0001_init.sql",
}
