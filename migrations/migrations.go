package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed *.sql
var FS embed.FS

// Files returns the migration file names for direction ("up" or "down") in
// the order they must be applied.
func Files(direction string) ([]string, error) {
	entries, err := fs.ReadDir(FS, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), fmt.Sprintf(".%s.sql", direction)) {
			files = append(files, entry.Name())
		}
	}

	sort.Strings(files)
	if direction == "down" {
		for i, j := 0, len(files)-1; i < j; i, j = i+1, j-1 {
			files[i], files[j] = files[j], files[i]
		}
	}

	return files, nil
}

func Read(name string) (string, error) {
	content, err := FS.ReadFile(name)
	if err != nil {
		return "", fmt.Errorf("read migration file %s: %w", name, err)
	}
	return string(content), nil
}

// Apply runs every migration for direction against db and returns the files
// it executed.
func Apply(ctx context.Context, db *sql.DB, direction string) ([]string, error) {
	if direction != "up" && direction != "down" {
		return nil, fmt.Errorf("unknown migration direction %q", direction)
	}

	files, err := Files(direction)
	if err != nil {
		return nil, err
	}

	for _, name := range files {
		content, err := Read(name)
		if err != nil {
			return nil, err
		}
		if _, err := db.ExecContext(ctx, content); err != nil {
			return nil, fmt.Errorf("execute migration %s: %w", name, err)
		}
	}

	return files, nil
}
