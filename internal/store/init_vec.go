//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

// Auto-load the vec0 extension into every new mattn/go-sqlite3
// connection. Without this tag Open still works; the capability probe
// fails and vector search falls back to the in-process cosine scan.
func init() {
	vec.Auto()
}
