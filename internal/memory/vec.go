//go:build sqlite_vec && cgo

package memory

import (
	"database/sql"
	"fmt"

	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

// Builds with the sqlite_vec tag route the associative store through the
// cgo sqlite3 driver so the sqlite-vec extension loads, and index recall
// through a vec0 virtual table instead of the JSON cosine scan.
const sqliteDriver = "sqlite3"

func init() {
	vec.Auto()
}

// vecInit creates the vector index table next to memories. Returns false
// when the extension is unavailable so recall degrades to the scan.
func vecInit(db *sql.DB, dims int) (bool, error) {
	if dims <= 0 {
		return false, nil
	}
	_, err := db.Exec(fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS memory_vectors USING vec0(
			memory_id INTEGER PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		)`, dims))
	if err != nil {
		return false, err
	}
	return true, nil
}

// vecStore indexes one memory's embedding under its row id.
func vecStore(db *sql.DB, id int64, embedding []float32) error {
	blob, err := vec.SerializeFloat32(embedding)
	if err != nil {
		return err
	}
	_, err = db.Exec(
		`INSERT OR REPLACE INTO memory_vectors (memory_id, embedding) VALUES (?, ?)`,
		id, blob)
	return err
}

// vecSearch returns the ids of the limit nearest entries to query.
func vecSearch(db *sql.DB, query []float32, limit int) ([]int64, error) {
	blob, err := vec.SerializeFloat32(query)
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(
		`SELECT memory_id FROM memory_vectors
		 WHERE embedding MATCH ? AND k = ?
		 ORDER BY distance`, blob, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
