package narkdb

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/skyformat99/nark-db/pkg/schema"
	"github.com/skyformat99/nark-db/pkg/tables"
)

const dbMetaFile = "dbmeta.json"

// DB is the embeddable database host: a directory of tables, each a
// composite segment table under its own subdirectory.
type DB struct {
	mu     sync.Mutex
	dir    string
	opts   Options
	tables map[string]*tables.Table
	closed bool
}

// Open loads every table found under dir. A table is a subdirectory
// carrying a dbmeta.json.
func Open(dir string, opts Options) (*DB, error) {
	opts, err := loadOptions(dir, opts)
	if err != nil {
		return nil, err
	}
	setupLogging(opts)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "narkdb: create db dir %s", dir)
	}
	db := &DB{dir: dir, opts: opts, tables: make(map[string]*tables.Table)}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "narkdb: read db dir %s", dir)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		tabDir := filepath.Join(dir, e.Name())
		metaPath := filepath.Join(tabDir, dbMetaFile)
		if _, err := os.Stat(metaPath); err != nil {
			continue
		}
		sconf, err := schema.LoadJSONFile(metaPath)
		if err != nil {
			return nil, err
		}
		tab, err := tables.OpenTable(tabDir, sconf, db.bgOptions())
		if err != nil {
			return nil, err
		}
		db.tables[e.Name()] = tab
	}
	logrus.Infof("open db %s: %d tables", dir, len(db.tables))
	return db, nil
}

func (db *DB) bgOptions() tables.BgOptions {
	return tables.BgOptions{CompressionThreads: db.opts.CompressionThreads}
}

func (db *DB) Dir() string { return db.dir }

// CreateTable compiles def, persists it as the table's dbmeta.json and
// initializes the empty segment set.
func (db *DB) CreateTable(name string, def *schema.TableDef) (*tables.Table, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, errors.New("narkdb: db is closed")
	}
	if _, ok := db.tables[name]; ok {
		return nil, errors.Newf("narkdb: table %q already exists", name)
	}
	sconf, err := schema.Compile(def)
	if err != nil {
		return nil, err
	}
	tabDir := filepath.Join(db.dir, name)
	if err := os.MkdirAll(tabDir, 0755); err != nil {
		return nil, err
	}
	tab, err := tables.CreateTable(tabDir, sconf, db.bgOptions())
	if err != nil {
		return nil, err
	}
	if err := sconf.SaveJSONFile(filepath.Join(tabDir, dbMetaFile)); err != nil {
		tab.Close()
		return nil, err
	}
	db.tables[name] = tab
	return tab, nil
}

// GetTable returns nil when the table does not exist.
func (db *DB) GetTable(name string) *tables.Table {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.tables[name]
}

// DropTable deletes the table's segments and directory.
func (db *DB) DropTable(name string) error {
	db.mu.Lock()
	tab, ok := db.tables[name]
	if !ok {
		db.mu.Unlock()
		return errors.Wrapf(tables.ErrInvalidArg, "table %q does not exist", name)
	}
	delete(db.tables, name)
	db.mu.Unlock()
	tab.DropTable()
	tab.Close()
	return os.RemoveAll(filepath.Join(db.dir, name))
}

// Close finishes writing on every table and tears the runtimes down.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	tabs := make([]*tables.Table, 0, len(db.tables))
	for _, tab := range db.tables {
		tabs = append(tabs, tab)
	}
	db.mu.Unlock()
	for _, tab := range tabs {
		tab.SyncFinishWriting()
		tab.Close()
	}
	logrus.Infof("db %s closed", db.dir)
	return nil
}
