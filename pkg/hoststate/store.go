package hoststate

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by Get when no record exists for an alias.
var ErrNotFound = errors.New("host record not found")

// ErrSkipWrite returned from an Update callback leaves the stored record
// untouched and makes Update return nil.
var ErrSkipWrite = errors.New("skip write")

// Store loads and saves host records by alias.
type Store interface {
	Get(alias string) (*Record, error)
	Put(rec *Record) error
	// Update runs fn on the current record, or on a fresh one when found is
	// false, and saves the result. Calls for the same alias are serialized.
	Update(alias string, fn func(rec *Record, found bool) error) error
	List() ([]*Record, error)
}

const recordExt = ".yaml"

// FileStore keeps one YAML file per alias. Writes go through a temp file,
// fsync and rename, so a reader sees either the old or the new record.
type FileStore struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore opens (creating if needed) a store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "create host state dir")
	}
	return &FileStore{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// Dir returns the directory records live in.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) lock(alias string) func() {
	s.mu.Lock()
	l, ok := s.locks[alias]
	if !ok {
		l = &sync.Mutex{}
		s.locks[alias] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (s *FileStore) path(alias string) string {
	return filepath.Join(s.dir, alias+recordExt)
}

// Get returns the record for alias or ErrNotFound.
func (s *FileStore) Get(alias string) (*Record, error) {
	if err := ValidateAlias(alias); err != nil {
		return nil, err
	}
	unlock := s.lock(alias)
	defer unlock()
	return s.read(alias)
}

func (s *FileStore) read(alias string) (*Record, error) {
	data, err := os.ReadFile(s.path(alias))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read host record %s", alias)
	}
	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrapf(err, "parse host record %s", alias)
	}
	if rec.Alias == "" {
		rec.Alias = alias
	}
	return &rec, nil
}

// Put replaces the record for rec.Alias.
func (s *FileStore) Put(rec *Record) error {
	if rec == nil {
		return errors.New("nil record")
	}
	if err := ValidateAlias(rec.Alias); err != nil {
		return err
	}
	unlock := s.lock(rec.Alias)
	defer unlock()
	return s.write(rec)
}

// Update implements Store.
func (s *FileStore) Update(alias string, fn func(rec *Record, found bool) error) error {
	if err := ValidateAlias(alias); err != nil {
		return err
	}
	unlock := s.lock(alias)
	defer unlock()

	rec, err := s.read(alias)
	found := err == nil
	switch {
	case errors.Is(err, ErrNotFound):
		rec = &Record{Alias: alias}
	case err != nil:
		return err
	}

	if err := fn(rec, found); err != nil {
		if errors.Is(err, ErrSkipWrite) {
			return nil
		}
		return err
	}
	rec.Alias = alias
	return s.write(rec)
}

func (s *FileStore) write(rec *Record) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal host record")
	}

	tmp, err := os.CreateTemp(s.dir, "."+rec.Alias+recordExt+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp record")
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return errors.Wrap(err, "write temp record")
	}
	if err := tmp.Sync(); err != nil {
		return errors.Wrap(err, "sync temp record")
	}
	if err := tmp.Chmod(0o600); err != nil {
		return errors.Wrap(err, "chmod temp record")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp record")
	}
	if err := os.Rename(tmpName, s.path(rec.Alias)); err != nil {
		return errors.Wrap(err, "commit record")
	}
	committed = true
	syncDir(s.dir)
	return nil
}

// syncDir makes the rename durable. Best effort: not every filesystem
// supports fsync on directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}

// List returns all records sorted by alias. Unreadable files are skipped.
func (s *FileStore) List() ([]*Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(err, "list host records")
	}
	var out []*Record
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		rec, err := s.Get(strings.TrimSuffix(name, recordExt))
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out, nil
}
