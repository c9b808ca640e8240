package backfill

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/goodtune/iplog/internal/history"
	"github.com/goodtune/iplog/internal/storage/file"
	"github.com/rs/zerolog"
)

const sampleLog = `[09:00:00] [Server thread/INFO]: Starting minecraft server version 1.20.4
[09:15:02] [Server thread/INFO]: Steve[/192.168.1.10:51234] logged in with entity id 42 at (0.5, 64.0, -3.2)
[09:20:11] [Server thread/INFO]: <Steve> hello
[10:01:45] [Server thread/INFO]: Alex[/192.168.1.10:50001] logged in with entity id 43 at (1.5, 64.0, 2.0)
[11:30:00] [Server thread/INFO]: Steve[/10.0.0.7:50002] logged in with entity id 44 at (0.5, 64.0, -3.2)
`

func newTestStore(t *testing.T) (*history.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "IpLoggerData.json")
	docs, err := file.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s := history.NewStore(docs, nil, zerolog.Nop())
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return s, path
}

func memoryArchive(name, date, content string) Archive {
	return Archive{
		Name: name,
		Date: date,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(content)), nil
		},
	}
}

func writeGzip(t *testing.T, path, content string) {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(content)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestRunMergesArchives(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	archives := []Archive{
		memoryArchive("2024-03-08-1.log", "2024-03-08", sampleLog),
		memoryArchive("2024-03-09-1.log", "2024-03-09", sampleLog),
	}
	report, err := Run(ctx, s, archives, zerolog.Nop())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if report.Archives != 2 || report.Matched != 6 || report.Created != 3 {
		t.Fatalf("unexpected report: %+v", report)
	}

	got, err := s.FirstSeen("Steve", "192.168.1.10")
	if err != nil {
		t.Fatalf("first seen: %v", err)
	}
	if got != "2024-03-08 09:15:02" {
		t.Fatalf("expected earliest archive date, got %s", got)
	}
	if dupes := s.Duplicates()["192.168.1.10"]; !slices.Equal(dupes, []string{"Alex", "Steve"}) {
		t.Fatalf("expected shared address, got %v", dupes)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, path := newTestStore(t)
	archives := []Archive{memoryArchive("2024-03-09-1.log", "2024-03-09", sampleLog)}

	if _, err := Run(ctx, s, archives, zerolog.Nop()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	report, err := Run(ctx, s, archives, zerolog.Nop())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.Created != 0 || report.Lowered != 0 {
		t.Fatalf("replay must not change anything: %+v", report)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("document changed on replay:\n%s\n%s", first, second)
	}
}

func TestRunLowersFromOlderArchive(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	if _, err := s.Merge(ctx, "Steve", "10.0.0.7", "2024-05-01 00:00:00"); err != nil {
		t.Fatalf("merge: %v", err)
	}

	report, err := Run(ctx, s, []Archive{memoryArchive("2024-01-01-1.log", "2024-01-01", sampleLog)}, zerolog.Nop())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Lowered != 1 {
		t.Fatalf("expected one lowered entry, got %+v", report)
	}
	if got, _ := s.FirstSeen("Steve", "10.0.0.7"); got != "2024-01-01 11:30:00" {
		t.Fatalf("expected lowered timestamp, got %s", got)
	}
}

func TestRunIgnoresNonMatchingLines(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	noise := "[09:00:00] [Server thread/INFO]: Done (3.2s)! For help, type \"help\"\nnot a log line at all\n"
	report, err := Run(ctx, s, []Archive{memoryArchive("2024-03-09-1.log", "2024-03-09", noise)}, zerolog.Nop())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Lines != 2 || report.Matched != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(s.Usernames()) != 0 {
		t.Fatalf("expected no mutation, got %v", s.Usernames())
	}
}

func TestRunSkipsUnreadableArchive(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "2024-03-08-1.log.gz"), []byte("not gzip"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	writeGzip(t, filepath.Join(dir, "2024-03-09-1.log.gz"), sampleLog)

	archives, _, err := Discover(dir, "*.log*")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}

	s, _ := newTestStore(t)
	report, err := Run(ctx, s, archives, zerolog.Nop())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !slices.Equal(report.FailedArchives, []string{"2024-03-08-1.log.gz"}) {
		t.Fatalf("expected corrupt archive to be skipped, got %+v", report)
	}
	if report.Archives != 1 || report.Created != 3 {
		t.Fatalf("expected the good archive to be merged, got %+v", report)
	}
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"2024-03-09-2.log", "2024-03-09-1.log", "latest.log", "2023-12-31-1.log", "debug.log.gz"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(sampleLog), 0600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	writeGzip(t, filepath.Join(dir, "2024-01-15-1.log.gz"), sampleLog)
	if err := os.Mkdir(filepath.Join(dir, "2024-02-01-1.log"), 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	archives, skipped, err := Discover(dir, "*.log*")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}

	var names []string
	for _, a := range archives {
		names = append(names, a.Name)
	}
	want := []string{"2023-12-31-1.log", "2024-01-15-1.log.gz", "2024-03-09-1.log", "2024-03-09-2.log"}
	if !slices.Equal(names, want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	if archives[1].Date != "2024-01-15" {
		t.Errorf("unexpected date %q", archives[1].Date)
	}
	if len(skipped) != 3 {
		t.Errorf("expected three skipped entries, got %v", skipped)
	}

	r, err := archives[1].Open()
	if err != nil {
		t.Fatalf("open gzip archive: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read gzip archive: %v", err)
	}
	if string(data) != sampleLog {
		t.Fatal("gzip archive not decompressed")
	}
}

func TestDiscoverMissingDirectory(t *testing.T) {
	if _, _, err := Discover(filepath.Join(t.TempDir(), "nope"), "*.log*"); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
