// Package level is a thin, generic pool of named goleveldb handles sharing
// one home directory. Domain packages (database/chaind/level) open a Pool
// naming the trees they need and operate on the individual *leveldb.DB
// handles directly.
package level

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/juju/loggo"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"

	"github.com/ironpeak/tinybit/database"
)

var log = loggo.GetLogger("level")

// Pool maps a tree name to its opened handle.
type Pool map[string]*leveldb.DB

// Database owns a Pool of leveldb handles rooted at one home directory.
type Database struct {
	home    string
	version int
	pool    Pool
}

// New opens (creating if necessary) one leveldb handle per name in trees,
// each in its own subdirectory of home. If any tree fails to open, every
// handle already opened in this call is closed before returning the error.
func New(ctx context.Context, home string, version int, trees []string) (*Database, error) {
	log.Tracef("New %v version %v", home, version)
	defer log.Tracef("New exit")

	if err := os.MkdirAll(home, 0o700); err != nil {
		return nil, fmt.Errorf("create home: %w", err)
	}

	pool := make(Pool, len(trees))
	for _, name := range trees {
		db, err := leveldb.OpenFile(filepath.Join(home, name), nil)
		if err != nil {
			for opened, h := range pool {
				if cerr := h.Close(); cerr != nil {
					log.Errorf("close %v during rollback: %v", opened, cerr)
				}
			}
			if ldberrors.IsCorrupted(err) {
				return nil, database.CorruptionError(fmt.Sprintf("open %v: %v", name, err))
			}
			return nil, fmt.Errorf("open %v: %w", name, err)
		}
		pool[name] = db
	}

	return &Database{home: home, version: version, pool: pool}, nil
}

// DB returns the pool of opened tree handles.
func (d *Database) DB() Pool { return d.pool }

// Version returns the on-disk schema version this Database was opened with.
func (d *Database) Version() int { return d.version }

// Close closes every handle in the pool, returning the first error seen (if
// any) after attempting to close all of them.
func (d *Database) Close() error {
	log.Tracef("Close")
	defer log.Tracef("Close exit")

	var firstErr error
	for name, db := range d.pool {
		if err := db.Close(); err != nil {
			log.Errorf("close %v: %v", name, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("close %v: %w", name, err)
			}
		}
	}
	return firstErr
}
