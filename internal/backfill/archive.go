package backfill

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"
)

// archiveName matches rotated server logs such as 2024-03-09-1.log and
// 2024-03-09-2.log.gz. The date is the day the lines were written.
var archiveName = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})-\d+\.log(\.gz)?$`)

const dateLayout = "2006-01-02"

// Archive is one log file associated with the calendar date of its lines.
type Archive struct {
	Name string
	Date string // YYYY-MM-DD
	Open func() (io.ReadCloser, error)
}

// Discover lists the archives in dir whose names match pattern and carry a
// leading date, sorted ascending by name (and so by date). Other files are
// returned in skipped.
func Discover(dir, pattern string) (archives []Archive, skipped []string, err error) {
	if pattern == "" {
		pattern = "*"
	}
	paths, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid archive pattern %q: %w", pattern, err)
	}
	if _, statErr := os.Stat(dir); statErr != nil {
		return nil, nil, fmt.Errorf("archive directory: %w", statErr)
	}

	slices.SortFunc(paths, func(a, b string) int {
		return strings.Compare(filepath.Base(a), filepath.Base(b))
	})

	for _, path := range paths {
		name := filepath.Base(path)
		m := archiveName.FindStringSubmatch(name)
		if m == nil {
			skipped = append(skipped, name)
			continue
		}
		if _, err := time.Parse(dateLayout, m[1]); err != nil {
			skipped = append(skipped, name)
			continue
		}
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			skipped = append(skipped, name)
			continue
		}

		archives = append(archives, Archive{
			Name: name,
			Date: m[1],
			Open: opener(path, m[2] != ""),
		})
	}
	return archives, skipped, nil
}

func opener(path string, gzipped bool) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		if !gzipped {
			return f, nil
		}
		zr, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		return &gzipFile{Reader: zr, file: f}, nil
	}
}

// gzipFile closes both the decompressor and the underlying file.
type gzipFile struct {
	*gzip.Reader
	file *os.File
}

func (g *gzipFile) Close() error {
	zerr := g.Reader.Close()
	ferr := g.file.Close()
	if zerr != nil {
		return zerr
	}
	return ferr
}
