// Package database contains the types and error kinds shared by every
// on-disk tree the node keeps, independent of which embedded KV engine
// backs them.
package database

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// Database is the minimal contract every concrete storage backend
// satisfies. Domain-specific packages (database/chaind) embed this and add
// their own tree operations.
type Database interface {
	Close() error
}

// ByteArray is a byte slice that marshals as a lowercase hex string so that
// stored hashes, headers and scripts are human-readable in logs and dumps.
type ByteArray []byte

func (b ByteArray) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(b))
}

func (b *ByteArray) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	*b = raw
	return nil
}

// Timestamp is a unix-second timestamp that marshals as a bare integer.
type Timestamp struct {
	t time.Time
}

// NewTimestamp wraps t, truncated to second resolution.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t: t.UTC().Truncate(time.Second)}
}

func (t Timestamp) Time() time.Time { return t.t }
func (t Timestamp) Unix() int64     { return t.t.Unix() }
func (t Timestamp) IsZero() bool    { return t.t.IsZero() }

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.t.Unix())
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var sec int64
	if err := json.Unmarshal(data, &sec); err != nil {
		return err
	}
	t.t = time.Unix(sec, 0).UTC()
	return nil
}

// kindError is a string-backed sentinel error whose Is method matches an
// equal kindError value. The typed errors below match by dynamic type
// instead, so callers can do `errors.Is(err, database.ErrNotFound)`
// regardless of the specific message a constructor attached;
// `database.ErrNotFound.Is(err)` also matches a wrapped NotFoundError.
type kindError string

func (e kindError) Error() string { return string(e) }

// NotFoundError marks a lookup that found nothing.
type NotFoundError string

func (e NotFoundError) Error() string { return string(e) }
func (e NotFoundError) Is(target error) bool {
	var nf NotFoundError
	return errors.As(target, &nf)
}

// DuplicateError marks an insert that collided with an existing record.
type DuplicateError string

func (e DuplicateError) Error() string { return string(e) }
func (e DuplicateError) Is(target error) bool {
	_, ok := target.(DuplicateError)
	return ok
}

// CorruptionError marks unrecoverable on-disk corruption. Fatal: callers
// shut the node down rather than continue on a damaged store.
type CorruptionError string

func (e CorruptionError) Error() string { return string(e) }
func (e CorruptionError) Is(target error) bool {
	_, ok := target.(CorruptionError)
	return ok
}

var (
	// ErrNotFound is the NotFoundError sentinel.
	ErrNotFound = NotFoundError("not found")
	// ErrDuplicate is the DuplicateError sentinel.
	ErrDuplicate = DuplicateError("duplicate")
	// ErrZeroRows indicates an insert or update touched nothing; not an
	// error condition on its own, callers typically swallow it.
	ErrZeroRows = kindError("zero rows")
)

// Is matches only an equal kindError value, so ErrZeroRows matches itself
// and no other kindError.
func (e kindError) Is(target error) bool {
	t, ok := target.(kindError)
	return ok && t == e
}
