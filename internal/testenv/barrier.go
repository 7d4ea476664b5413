package testenv

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ProdLogBarrier records the size of the production error log before tests
// run, and provides a Check method that fails hard if any test activity
// leaked into it.
type ProdLogBarrier struct {
	realDataDir string
	errorsSize  int64
}

// DefaultProdDataDir returns the default production data directory
// (~/.pullwarden), ignoring PULLWARDEN_DATA_DIR so it always points to the
// real dir.
func DefaultProdDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".pullwarden")
}

// NewProdLogBarrier snapshots the production data directory. realDataDir
// should be resolved BEFORE PULLWARDEN_DATA_DIR is overridden for tests.
func NewProdLogBarrier(realDataDir string) *ProdLogBarrier {
	return &ProdLogBarrier{
		realDataDir: realDataDir,
		errorsSize:  fileSize(filepath.Join(realDataDir, "errors.log")),
	}
}

// Check returns a non-empty message if test pollution is detected.
func (b *ProdLogBarrier) Check() string {
	markers := b.scanNewLines(filepath.Join(b.realDataDir, "errors.log"), b.errorsSize)
	if len(markers) == 0 {
		return ""
	}
	return "PROD LOG BARRIER FAILED:\n  test pollution in prod errors.log: " +
		strings.Join(markers, "; ")
}

// scanNewLines reads lines appended after startOffset and returns
// descriptions of any lines that look like test pollution.
func (b *ProdLogBarrier) scanNewLines(path string, startOffset int64) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil // file gone or unreadable
	}
	defer f.Close()

	if _, err := f.Seek(startOffset, 0); err != nil {
		return nil
	}

	var markers []string
	seen := map[string]bool{}
	scanner := bufio.NewScanner(f)
	// 1MB buffer to handle large log lines without silent truncation.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		for _, m := range testMarkers(scanner.Text()) {
			if !seen[m] {
				seen[m] = true
				markers = append(markers, m)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		markers = append(markers, fmt.Sprintf("scan error (barrier may be incomplete): %v", err))
	}
	return markers
}

// testMarkers returns marker descriptions if the line looks like test
// pollution: explicit test components and the fixture repositories the
// test suites review.
func testMarkers(line string) []string {
	var out []string
	if strings.Contains(line, `"component":"test"`) {
		out = append(out, `component:"test" entry`)
	}
	for _, repo := range []string{"demo", "fixture-repo"} {
		if strings.Contains(line, `"repository":"`+repo+`"`) {
			out = append(out, "entry for test repository "+repo)
		}
	}
	return out
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
