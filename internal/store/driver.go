package store

// Both drivers register with database/sql. "sqlite" is the pure-Go modernc port
// and builds without cgo; "sqlite3" is mattn's cgo binding.
import (
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Drivers lists the accepted driver names.
func Drivers() []string {
	return []string{"sqlite", "sqlite3"}
}
