// Package migrations holds Keystone's schema as ordered SQL files, embedded
// so the server binary migrates its database without a source checkout.
package migrations

import "embed"

// FS holds every NNN_*.sql file in this directory. DB.RunMigrations
// applies them in name order.
//
//go:embed *.sql
var FS embed.FS
