package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/gofrs/flock"

	"github.com/maruel/odb/internal/driver"
)

// entry is one line of a collection log. Created and Updated carry the full
// record after the write.
type entry struct {
	Kind   driver.Kind   `json:"kind"`
	Key    string        `json:"key"`
	Record driver.Record `json:"record,omitempty"`
}

// table is the in-memory state of one collection, replayed from its
// append-only log file.
type table struct {
	name string
	path string
	lock *flock.Flock

	// offset is the number of bytes of the log already applied to rows.
	offset int64
	// ident identifies the log file, to detect a replacement by Compact.
	ident  os.FileInfo
	loaded bool
	rows   map[string]driver.Record
}

func newTable(dir, name string) *table {
	return &table{
		name: name,
		path: filepath.Join(dir, name+".jsonl"),
		lock: flock.New(filepath.Join(dir, name+".lock")),
		rows: make(map[string]driver.Record),
	}
}

// catchUp applies the log entries appended since the last call and returns
// the resulting events. The first call loads the table silently.
//
// The caller holds the file lock.
func (t *table) catchUp() ([]driver.Event, error) {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			if t.offset == 0 {
				t.loaded = true
				return nil, nil
			}
			return t.reload(nil)
		}
		return nil, fmt.Errorf("failed to open table file %s: %w", t.path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat table file %s: %w", t.path, err)
	}
	if t.ident != nil && (!os.SameFile(t.ident, fi) || fi.Size() < t.offset) {
		return t.reload(f)
	}
	t.ident = fi
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek table file %s: %w", t.path, err)
	}
	entries, n, err := readEntries(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read table file %s: %w", t.path, err)
	}
	t.offset += n
	events := make([]driver.Event, 0, len(entries))
	for _, e := range entries {
		events = append(events, t.apply(e))
	}
	if !t.loaded {
		t.loaded = true
		return nil, nil
	}
	return events, nil
}

// reload replaces rows with the content of f, or an empty table when f is
// nil, and returns the events turning the previous rows into the new ones.
func (t *table) reload(f *os.File) ([]driver.Event, error) {
	old := t.rows
	t.rows = make(map[string]driver.Record)
	t.offset = 0
	t.ident = nil
	if f != nil {
		fi, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat table file %s: %w", t.path, err)
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("failed to seek table file %s: %w", t.path, err)
		}
		entries, n, err := readEntries(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read table file %s: %w", t.path, err)
		}
		for _, e := range entries {
			t.apply(e)
		}
		t.offset = n
		t.ident = fi
	}
	var events []driver.Event
	for _, key := range sortedKeys(old) {
		if _, ok := t.rows[key]; !ok {
			events = append(events, driver.Event{Collection: t.name, Key: key, Kind: driver.Deleted})
		}
	}
	for _, key := range sortedKeys(t.rows) {
		rec := t.rows[key]
		prev, ok := old[key]
		switch {
		case !ok:
			events = append(events, driver.Event{Collection: t.name, Key: key, Kind: driver.Created, Record: rec})
		case driver.Diff(prev, rec) != nil:
			events = append(events, driver.Event{Collection: t.name, Key: key, Kind: driver.Updated, Record: rec})
		}
	}
	return events, nil
}

// readEntries decodes complete lines from r. A trailing line without newline
// is left unread. It returns the number of bytes consumed.
func readEntries(r io.Reader) ([]entry, int64, error) {
	var entries []entry
	var n int64
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if err == io.EOF {
			return entries, n, nil
		}
		if err != nil {
			return nil, 0, err
		}
		n += int64(len(line))
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, 0, fmt.Errorf("failed to unmarshal entry: %w", err)
		}
		entries = append(entries, e)
	}
}

func (t *table) apply(e entry) driver.Event {
	ev := driver.Event{Collection: t.name, Key: e.Key, Kind: e.Kind}
	switch e.Kind {
	case driver.Deleted:
		delete(t.rows, e.Key)
	default:
		t.rows[e.Key] = e.Record
		ev.Record = e.Record
	}
	return ev
}

// append persists e and applies it. The caller holds the exclusive file lock
// and caught up first.
func (t *table) append(e entry) (driver.Event, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return driver.Event{}, fmt.Errorf("failed to marshal entry: %w", err)
	}
	data = append(data, '\n')
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return driver.Event{}, fmt.Errorf("failed to open table file for append: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	if _, err := f.Write(data); err != nil {
		return driver.Event{}, fmt.Errorf("failed to write entry: %w", err)
	}
	if t.ident == nil {
		if fi, err := f.Stat(); err == nil {
			t.ident = fi
		}
	}
	t.offset += int64(len(data))
	return t.apply(e), nil
}

// compact rewrites the log with one created entry per live record. The file
// is replaced atomically so that tailing instances reload it.
func (t *table) compact() error {
	tmp, err := os.CreateTemp(filepath.Dir(t.path), t.name+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create table file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	writer := bufio.NewWriter(tmp)
	var size int64
	for _, key := range sortedKeys(t.rows) {
		data, err := json.Marshal(entry{Kind: driver.Created, Key: key, Record: t.rows[key]})
		if err != nil {
			_ = tmp.Close()
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		if _, err := writer.Write(data); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("failed to write entry: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("failed to write newline: %w", err)
		}
		size += int64(len(data)) + 1
	}
	if err := writer.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to flush writer: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close table file: %w", err)
	}
	if err := os.Rename(tmp.Name(), t.path); err != nil {
		return fmt.Errorf("failed to replace table file: %w", err)
	}
	fi, err := os.Stat(t.path)
	if err != nil {
		return fmt.Errorf("failed to stat table file %s: %w", t.path, err)
	}
	t.offset = size
	t.ident = fi
	return nil
}

func sortedKeys(m map[string]driver.Record) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
