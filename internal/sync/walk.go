package sync

import (
	"io/fs"
	"path/filepath"
	"strings"
)

// discoverFiles finds all regular files below dir. Hidden files and
// directories (names starting with ".") are skipped, which keeps the cache
// directory and in-flight temp files out of the result.
func discoverFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if path != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return files, nil
}
