package dataio

import (
	"github.com/cockroachdb/errors"
)

// Store is the readable record-store capability shared by all column
// group encodings. Record ids are store-local (physical) ids.
type Store interface {
	NumDataRows() int64
	DataStorageSize() int64
	DataInflateSize() int64
	GetValueAppend(subID int64, val *[]byte) error
}

type StoreIter interface {
	Next(subID *int64, val *[]byte) bool
	Reset()
}

var ErrRecordRange = errors.New("narkdb: record id out of range")

type storeIter struct {
	store   Store
	forward bool
	pos     int64
	started bool
}

func NewStoreIterForward(s Store) StoreIter {
	return &storeIter{store: s, forward: true}
}

func NewStoreIterBackward(s Store) StoreIter {
	return &storeIter{store: s, forward: false}
}

func (it *storeIter) Reset() { it.started = false }

func (it *storeIter) Next(subID *int64, val *[]byte) bool {
	n := it.store.NumDataRows()
	if !it.started {
		it.started = true
		if it.forward {
			it.pos = 0
		} else {
			it.pos = n - 1
		}
	} else if it.forward {
		it.pos++
	} else {
		it.pos--
	}
	if it.pos < 0 || it.pos >= n {
		return false
	}
	*val = (*val)[:0]
	if err := it.store.GetValueAppend(it.pos, val); err != nil {
		return false
	}
	*subID = it.pos
	return true
}
