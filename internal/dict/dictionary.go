// Package dict loads the data-dictionary CSV and renders it into the
// prompt fragment the entity-extraction tool feeds the model. The
// rendered form is cached; a filesystem watcher drops the cache when
// the CSV changes on disk.
package dict

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	"evquery/internal/logging"
)

// Missing or broken dictionaries degrade to a notice string instead of
// failing the tool call; the pipeline still works, just with less
// context for the model.
const missingNotice = "Data dictionary file not found. I will proceed without it."

// Entry is one row of the data dictionary.
type Entry struct {
	ColumnHeader   string
	BusinessHeader string
	Definition     string
	Example        string
}

// Dictionary renders the data-dictionary CSV for prompt context.
type Dictionary struct {
	path string

	mu     sync.RWMutex
	cached string

	group   singleflight.Group
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a Dictionary for the CSV at path. Nothing is read until
// the first Description call.
func New(path string) *Dictionary {
	return &Dictionary{path: path}
}

// Description returns the rendered dictionary. Concurrent callers
// share one render; the result is cached until the file changes.
func (d *Dictionary) Description() string {
	d.mu.RLock()
	if d.cached != "" {
		cached := d.cached
		d.mu.RUnlock()
		return cached
	}
	d.mu.RUnlock()

	v, _, _ := d.group.Do("render", func() (interface{}, error) {
		rendered := d.render()
		d.mu.Lock()
		d.cached = rendered
		d.mu.Unlock()
		return rendered, nil
	})
	return v.(string)
}

// Entries parses the CSV and returns its rows.
func (d *Dictionary) Entries() ([]Entry, error) {
	f, err := os.Open(d.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open data dictionary: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read dictionary header: %w", err)
	}

	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"Column Header", "Business Header", "Definition", "Example"} {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("data dictionary missing %q column", required)
		}
	}

	field := func(record []string, name string) string {
		i := idx[name]
		if i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var entries []Entry
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read dictionary row: %w", err)
		}
		entries = append(entries, Entry{
			ColumnHeader:   field(record, "Column Header"),
			BusinessHeader: field(record, "Business Header"),
			Definition:     field(record, "Definition"),
			Example:        field(record, "Example"),
		})
	}
	return entries, nil
}

func (d *Dictionary) render() string {
	entries, err := d.Entries()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Get(logging.CategoryTools).Warn("Data dictionary not found at %s", d.path)
			return missingNotice
		}
		logging.Get(logging.CategoryTools).Warn("Data dictionary unreadable: %v", err)
		return fmt.Sprintf("Error reading data dictionary: %v", err)
	}

	var b strings.Builder
	b.WriteString("This is the data dictionary. It explains the columns in the database tables:\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "- Column '%s' (also called '%s'): %s. Example: %s\n",
			e.ColumnHeader, e.BusinessHeader, e.Definition, e.Example)
	}
	return b.String()
}

// Watch starts a filesystem watcher that invalidates the cached
// rendering whenever the CSV changes. The parent directory is watched
// because most editors replace files instead of writing in place.
func (d *Dictionary) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(d.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(d.path), err)
	}

	d.watcher = watcher
	d.done = make(chan struct{})
	d.wg.Add(1)
	go d.watchLoop()
	return nil
}

func (d *Dictionary) watchLoop() {
	defer d.wg.Done()
	target := filepath.Base(d.path)

	for {
		select {
		case <-d.done:
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				logging.Get(logging.CategoryTools).Info("Data dictionary changed (%s), dropping cache", event.Op)
				d.Invalidate()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryTools).Warn("Dictionary watcher error: %v", err)
		}
	}
}

// Invalidate drops the cached rendering.
func (d *Dictionary) Invalidate() {
	d.mu.Lock()
	d.cached = ""
	d.mu.Unlock()
}

// Close stops the watcher, if one was started.
func (d *Dictionary) Close() error {
	if d.watcher == nil {
		return nil
	}
	close(d.done)
	err := d.watcher.Close()
	d.wg.Wait()
	d.watcher = nil
	return err
}
