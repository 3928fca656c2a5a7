// Package paths provides filesystem path utilities for download destinations.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// UniqueFilename returns a filename that does not already exist in dir. If
// name is free it is returned unchanged; otherwise " (N)" is inserted before
// the extension, incrementing N until a free name is found.
//
// Example: "report.pdf" becomes "report (1).pdf", then "report (2).pdf", ...
func UniqueFilename(dir, name string) (string, error) {
	candidate := name
	for n := 1; ; n++ {
		exists, err := pathExists(filepath.Join(dir, candidate))
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
		candidate = withSuffix(name, n)
	}
}

func withSuffix(name string, n int) string {
	ext := filepath.Ext(name)
	base := name[:len(name)-len(ext)]
	return fmt.Sprintf("%s (%d)%s", base, n, ext)
}

func pathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
