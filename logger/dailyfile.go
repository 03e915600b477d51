package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const dailyFileLayout = "2006-01-02"

// ErrFileClosed is returned by writes to a closed DailyFile.
var ErrFileClosed = errors.New("log file closed")

// DailyFile is an io.Writer appending to {service}_{date}.log in a
// directory. The first write of a new day switches to the next file, so an
// idle process keeps its old file open until it logs again. Safe for
// concurrent use.
type DailyFile struct {
	service string
	dir     string
	now     func() time.Time

	mu     sync.Mutex
	file   *os.File
	date   string
	closed bool
}

// OpenDailyFile opens today's file in dir, which must exist.
//
// Parameters:
//   - service: Prefix of the file names
//   - dir: Directory holding the files
//   - now: Clock deciding the current date, usually time.Now
//
// Returns:
//   - The open DailyFile
//   - An error if today's file cannot be opened
func OpenDailyFile(service, dir string, now func() time.Time) (*DailyFile, error) {
	f := &DailyFile{service: service, dir: dir, now: now}
	if err := f.openLocked(now().Format(dailyFileLayout)); err != nil {
		return nil, err
	}

	return f, nil
}

// Write implements io.Writer.
func (f *DailyFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, ErrFileClosed
	}

	if date := f.now().Format(dailyFileLayout); date != f.date || f.file == nil {
		if err := f.openLocked(date); err != nil {
			return 0, err
		}
	}

	return f.file.Write(p)
}

// Reopen closes the current file and opens the one for today, recreating it
// if it was moved or deleted.
func (f *DailyFile) Reopen() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrFileClosed
	}

	return f.openLocked(f.now().Format(dailyFileLayout))
}

// Path returns the file currently written to, or "" once closed.
func (f *DailyFile) Path() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return ""
	}

	return f.pathFor(f.date)
}

// Close closes the file. Further calls return nil.
func (f *DailyFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}

	f.closed = true
	if f.file == nil {
		return nil
	}

	err := f.file.Close()
	f.file = nil
	return err
}

func (f *DailyFile) pathFor(date string) string {
	return filepath.Join(f.dir, fmt.Sprintf("%s_%s.log", f.service, date))
}

// openLocked replaces the current file with the one for date. On failure
// the previous file stays closed and the next write retries.
func (f *DailyFile) openLocked(date string) error {
	if f.file != nil {
		_ = f.file.Close()
		f.file = nil
	}

	name := f.pathFor(date)
	file, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", name, err)
	}

	f.file = file
	f.date = date
	return nil
}
