// Package main implements htm-inspect, a read-only peek into an htm
// database. It uses the pure-Go driver so it can be built and run on
// machines without cgo, and never writes.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"

	_ "modernc.org/sqlite"
)

func main() {
	limit := flag.Int("n", 10, "rows to sample per section")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: htm-inspect [-n rows] <db-path>\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := inspect(flag.Arg(0), *limit); err != nil {
		fmt.Fprintf(os.Stderr, "htm-inspect: %v\n", err)
		os.Exit(1)
	}
}

func inspect(path string, limit int) error {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Printf("== %s ==\n\n", path)

	counts := []struct{ label, query string }{
		{"active nodes", "SELECT COUNT(*) FROM nodes WHERE deleted_at IS NULL"},
		{"forgotten nodes", "SELECT COUNT(*) FROM nodes WHERE deleted_at IS NOT NULL"},
		{"unembedded nodes", "SELECT COUNT(*) FROM nodes WHERE deleted_at IS NULL AND embedding IS NULL"},
		{"tags", "SELECT COUNT(*) FROM tags WHERE deleted_at IS NULL"},
		{"robots", "SELECT COUNT(*) FROM robots"},
		{"file sources", "SELECT COUNT(*) FROM file_sources"},
		{"notifications", "SELECT COUNT(*) FROM notifications"},
	}
	for _, c := range counts {
		var n int64
		if err := db.QueryRow(c.query).Scan(&n); err != nil {
			continue // older databases may lack a table
		}
		fmt.Printf("%-18s %d\n", c.label, n)
	}

	fmt.Printf("\n-- recent nodes --\n")
	rows, err := db.Query(`
		SELECT id, substr(content, 1, 80), token_count, access_count,
			CASE WHEN embedding IS NULL THEN 'no' ELSE 'yes' END
		FROM nodes WHERE deleted_at IS NULL
		ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id, tokens, accesses int64
		var content, embedded string
		if err := rows.Scan(&id, &content, &tokens, &accesses, &embedded); err != nil {
			return err
		}
		fmt.Printf("#%-6d %4d tok  %3d reads  emb:%-3s  %s\n", id, tokens, accesses, embedded, content)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	fmt.Printf("\n-- top tags --\n")
	tagRows, err := db.Query(`
		SELECT t.name, COUNT(nt.id)
		FROM tags t
		LEFT JOIN node_tags nt ON nt.tag_id = t.id AND nt.deleted_at IS NULL
		WHERE t.deleted_at IS NULL
		GROUP BY t.id ORDER BY COUNT(nt.id) DESC, t.name LIMIT ?`, limit)
	if err != nil {
		return err
	}
	defer tagRows.Close()
	for tagRows.Next() {
		var name string
		var uses int64
		if err := tagRows.Scan(&name, &uses); err != nil {
			return err
		}
		fmt.Printf("%-40s %d\n", name, uses)
	}
	if err := tagRows.Err(); err != nil {
		return err
	}

	fmt.Printf("\n-- robots --\n")
	robotRows, err := db.Query(`
		SELECT r.name, COUNT(rn.id), SUM(rn.working_memory)
		FROM robots r
		LEFT JOIN robot_nodes rn ON rn.robot_id = r.id
		GROUP BY r.id ORDER BY r.name`)
	if err != nil {
		return err
	}
	defer robotRows.Close()
	for robotRows.Next() {
		var name string
		var remembered, inWM sql.NullInt64
		if err := robotRows.Scan(&name, &remembered, &inWM); err != nil {
			return err
		}
		fmt.Printf("%-20s %d remembered, %d in working memory\n", name, remembered.Int64, inWM.Int64)
	}
	return robotRows.Err()
}
