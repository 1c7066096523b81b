package rotate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/connlog/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	s := strings.TrimSuffix(string(b), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func archives(t *testing.T, f *File) []string {
	t.Helper()
	m, err := filepath.Glob(f.Path() + ".*")
	require.NoError(t, err)
	return m
}

func base() time.Time {
	return time.Date(2024, 3, 9, 10, 15, 0, 0, time.Local)
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Open(Config{Dir: filepath.Join(dir, "missing"), Name: "conn.log"})
	var oe *OpenError
	require.True(t, errors.As(err, &oe))
	assert.Contains(t, oe.Path, "missing")
	assert.True(t, errors.Is(err, os.ErrNotExist))

	file := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = Open(Config{Dir: file, Name: "conn.log"})
	require.True(t, errors.As(err, &oe))
	assert.Contains(t, err.Error(), "not a directory")

	_, err = Open(Config{Dir: dir})
	require.True(t, errors.As(err, &oe))
}

func TestWriteAppends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conn.log")
	require.NoError(t, os.WriteFile(path, []byte("existing\n"), 0o644))

	f, err := Open(Config{Dir: dir, Name: "conn.log"})
	require.NoError(t, err)
	_, err = f.Write([]byte("one\n"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.Equal(t, []string{"existing", "one"}, readLines(t, path))
}

func TestRotationOnBucketChange(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewManual(base())
	f, err := Open(Config{Dir: dir, Name: "conn.log", Rotation: true}, WithClock(clk))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	write := func(s string) {
		_, err := f.Write([]byte(s + "\n"))
		require.NoError(t, err)
	}

	write("r1")
	clk.Advance(20 * time.Minute)
	write("r2")
	assert.Empty(t, archives(t, f), "no rotation inside a bucket")

	clk.Set(base().Add(time.Hour))
	write("r3")
	clk.Advance(10 * time.Minute)
	write("r4")

	arch := archives(t, f)
	require.Len(t, arch, 1)
	assert.Equal(t, f.Path()+"."+clock.ArchiveSuffix(base().Add(time.Hour)), arch[0])
	assert.Equal(t, []string{"r1", "r2"}, readLines(t, arch[0]))
	assert.Equal(t, []string{"r3", "r4"}, readLines(t, f.Path()))
	assert.Equal(t, clock.BucketOf(base().Add(time.Hour)), f.Bucket())
}

func TestCheckRotationIdempotent(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewManual(base())
	f, err := Open(Config{Dir: dir, Name: "conn.log", Rotation: true}, WithClock(clk))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	rotated, err := f.CheckRotation()
	require.NoError(t, err)
	assert.False(t, rotated, "first observation only initializes")
	assert.Equal(t, clock.BucketOf(base()), f.Bucket())

	clk.Advance(time.Hour)
	rotated, err = f.CheckRotation()
	require.NoError(t, err)
	assert.True(t, rotated)

	for i := 0; i < 3; i++ {
		rotated, err = f.CheckRotation()
		require.NoError(t, err)
		assert.False(t, rotated)
	}
	assert.Len(t, archives(t, f), 1)
}

func TestNoRotationWhenDisabled(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewManual(base())
	f, err := Open(Config{Dir: dir, Name: "conn.log"}, WithClock(clk))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	_, _ = f.Write([]byte("a\n"))
	clk.Advance(3 * time.Hour)
	_, _ = f.Write([]byte("b\n"))
	assert.Empty(t, archives(t, f))
	assert.Zero(t, f.Bucket())
}

func TestExplicitRotateForcesRotation(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewManual(base())
	f, err := Open(Config{Dir: dir, Name: "conn.log", Rotation: true}, WithClock(clk))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	// before any bucket observation, and again inside the same minute
	_, _ = f.Write([]byte("a\n"))
	require.NoError(t, f.Rotate())
	_, _ = f.Write([]byte("b\n"))
	require.NoError(t, f.Rotate())
	_, _ = f.Write([]byte("c\n"))

	arch := archives(t, f)
	require.Len(t, arch, 2)
	first := f.Path() + "." + clock.ArchiveSuffix(base())
	assert.Contains(t, arch, first)
	assert.Contains(t, arch, first+".1", "existing archive must not be overwritten")
	assert.Equal(t, []string{"a"}, readLines(t, first))
	assert.Equal(t, []string{"b"}, readLines(t, first+".1"))
	assert.Equal(t, []string{"c"}, readLines(t, f.Path()))
}

func TestRenameFailureKeepsAppending(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewManual(base())
	f, err := Open(Config{Dir: dir, Name: "conn.log", Rotation: true}, WithClock(clk))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	f.rename = func(string, string) error { return os.ErrPermission }

	_, err = f.Write([]byte("before\n"))
	require.NoError(t, err)
	clk.Advance(time.Hour)
	_, err = f.Write([]byte("after\n"))
	require.NoError(t, err, "rename failure must not fail the write")

	assert.Empty(t, archives(t, f))
	assert.Equal(t, []string{"before", "after"}, readLines(t, f.Path()))
	assert.Equal(t, clock.BucketOf(clk.Now()), f.Bucket(), "bucket advances so the failure is not retried per write")

	err = f.Rotate()
	assert.True(t, errors.Is(err, os.ErrPermission))
	_, err = f.Write([]byte("still\n"))
	require.NoError(t, err)
}

func TestRotateLongNameDoesNotBlock(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewManual(base())
	// the base name fits NAME_MAX but its archive name does not
	f, err := Open(Config{Dir: dir, Name: strings.Repeat("a", 245), Rotation: true}, WithClock(clk))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	_, err = f.Write([]byte("before\n"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.Rotate() }()
	select {
	case err = <-done:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Rotate did not return")
	}

	_, err = f.Write([]byte("after\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"before", "after"}, readLines(t, f.Path()))
}

func TestArchiveNameCollisionLimit(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewManual(base())
	f, err := Open(Config{Dir: dir, Name: "conn.log"}, WithClock(clk))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	first := f.Path() + "." + clock.ArchiveSuffix(base())
	require.NoError(t, os.WriteFile(first, nil, 0o644))
	for i := 1; i <= maxArchiveSuffix; i++ {
		require.NoError(t, os.WriteFile(fmt.Sprintf("%s.%d", first, i), nil, 0o644))
	}
	assert.Equal(t, first, f.archiveName(base()))

	require.NoError(t, os.Remove(fmt.Sprintf("%s.%d", first, 7)))
	assert.Equal(t, first+".7", f.archiveName(base()))
}

func TestReopenFailureRetriesOnWrite(t *testing.T) {
	dir := t.TempDir()
	f, err := Open(Config{Dir: dir, Name: "conn.log"})
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	// the base name becomes a directory once the file is moved away
	f.rename = func(oldpath, newpath string) error {
		if err := os.Rename(oldpath, newpath); err != nil {
			return err
		}
		return os.Mkdir(oldpath, 0o755)
	}
	require.Error(t, f.Rotate())

	_, err = f.Write([]byte("lost\n"))
	require.Error(t, err)

	require.NoError(t, os.Remove(f.Path()))
	_, err = f.Write([]byte("back\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"back"}, readLines(t, f.Path()))
}

func TestWriteAfterClose(t *testing.T) {
	f, err := Open(Config{Dir: t.TempDir(), Name: "conn.log"})
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())

	_, err = f.Write([]byte("x\n"))
	assert.True(t, errors.Is(err, ErrClosed))
	assert.True(t, errors.Is(f.Rotate(), ErrClosed))
	_, err = f.CheckRotation()
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestConcurrentWritesAcrossRotation(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewManual(base())
	f, err := Open(Config{Dir: dir, Name: "conn.log", Rotation: true}, WithClock(clk))
	require.NoError(t, err)

	const writers, per = 8, 200
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				if i == per/2 && w == 0 {
					clk.Advance(time.Hour)
				}
				_, err := fmt.Fprintf(f, "writer-%d record-%04d %s\n", w, i, strings.Repeat("x", 64))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, f.Close())

	seen := map[string]bool{}
	files := append(archives(t, f), f.Path())
	for _, p := range files {
		for _, line := range readLines(t, p) {
			require.Regexp(t, `^writer-\d record-\d{4} x{64}$`, line)
			require.False(t, seen[line], "duplicate record %q", line)
			seen[line] = true
		}
	}
	assert.Len(t, seen, writers*per)
	assert.LessOrEqual(t, len(files), 2)
}
