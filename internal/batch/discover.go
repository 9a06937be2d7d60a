package batch

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/satscan/satscan/internal/classify"
)

// Discover walks the tree under dir and lists the files whose base name
// matches pattern, skipping hidden entries and classification sidecars. An
// exam root usually holds one subdirectory per exam, so discovery has to
// recurse. Results come back in natural order, so page_2 sorts before
// page_10.
func Discover(dir, pattern string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != dir && strings.HasPrefix(name, ".") {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || classify.IsSidecar(name) {
			return nil
		}
		ok, err := filepath.Match(pattern, name)
		if err != nil {
			return fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		if ok {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory %s: %w", dir, err)
	}

	SortNatural(files)
	return files, nil
}

// SortNatural sorts paths so that embedded numbers compare by value rather
// than lexically.
func SortNatural(paths []string) {
	sort.Slice(paths, func(i, j int) bool {
		return naturalLess(paths[i], paths[j])
	})
}

func naturalLess(a, b string) bool {
	for len(a) > 0 && len(b) > 0 {
		aDigit := isDigit(a[0])
		bDigit := isDigit(b[0])
		switch {
		case aDigit && bDigit:
			aNum, aRest := takeNumber(a)
			bNum, bRest := takeNumber(b)
			if aNum != bNum {
				return aNum < bNum
			}
			a, b = aRest, bRest
		case !aDigit && !bDigit:
			if a[0] != b[0] {
				return a[0] < b[0]
			}
			a, b = a[1:], b[1:]
		default:
			return a[0] < b[0]
		}
	}
	return len(a) < len(b)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func takeNumber(s string) (int, string) {
	n := 0
	i := 0
	for i < len(s) && isDigit(s[i]) {
		n = n*10 + int(s[i]-'0')
		i++
	}
	return n, s[i:]
}
