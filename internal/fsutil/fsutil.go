package fsutil

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// movieExts are containers holding a whole movie in one file.
var movieExts = map[string]struct{}{
	".tif":  {},
	".tiff": {},
}

// frameExts are single-image files that form a movie when listed as a directory.
var frameExts = map[string]struct{}{
	".tif":  {},
	".tiff": {},
	".png":  {},
}

// ListMovies returns all movie files under root.
func ListMovies(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsMovieFile(path) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// ListFrames returns the frame images directly inside dir in lexical order.
func ListFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := frameExts[strings.ToLower(filepath.Ext(e.Name()))]; ok {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(files)
	return files, nil
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// IsMovieFile checks the extension against supported movie containers.
func IsMovieFile(path string) bool {
	_, ok := movieExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// IsDir reports whether path exists and is a directory.
func IsDir(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}
