//go:build !(sqlite_vec && cgo)

package memory

import "database/sql"

// Default builds use the pure-Go driver and have no vector index; recall
// runs the JSON cosine scan.
const sqliteDriver = "sqlite"

func vecInit(*sql.DB, int) (bool, error) { return false, nil }

func vecStore(*sql.DB, int64, []float32) error { return nil }

func vecSearch(*sql.DB, []float32, int) ([]int64, error) { return nil, nil }
