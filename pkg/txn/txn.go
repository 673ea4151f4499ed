package txn

import (
	"github.com/cockroachdb/errors"
)

// Txn is the segment-level transaction primitive (spec collaborator).
// One transaction is scoped to a single write call against the table's
// writable segment.
type Txn interface {
	StoreGetRow(subID int64, row *[]byte) error
	StoreUpsert(subID int64, row []byte) error
	StoreRemove(subID int64) error
	// IndexInsert reports false on a unique-key conflict.
	IndexInsert(indexID int, key []byte, subID int64) bool
	IndexRemove(indexID int, key []byte, subID int64) bool
	Commit() error
	Rollback() error
	SzError() string
}

// Target is what the default transaction drives: the writable segment's
// record store and index set.
type Target interface {
	TxnGetRow(subID int64, row *[]byte) error
	TxnUpsertRow(subID int64, row []byte) error
	TxnRemoveRow(subID int64) error
	TxnIndexInsert(indexID int, key []byte, subID int64) bool
	TxnIndexRemove(indexID int, key []byte, subID int64) bool
}

var ErrTxnFinished = errors.New("narkdb: txn already finished")

type undoKind uint8

const (
	undoIndexInsert undoKind = iota
	undoIndexRemove
	undoStoreUpsert
	undoStoreRemove
)

type undoRec struct {
	kind    undoKind
	indexID int
	key     []byte
	subID   int64
	oldRow  []byte
	hadRow  bool
}

// segTxn applies operations write-through and keeps an undo log; a
// rollback replays the log in reverse. There is no WAL here: the
// durable variant comes from the host's transaction collaborator.
type segTxn struct {
	target   Target
	undo     []undoRec
	finished bool
	lastErr  error
}

func NewDefault(target Target) Txn {
	return &segTxn{target: target}
}

func (t *segTxn) StoreGetRow(subID int64, row *[]byte) error {
	return t.target.TxnGetRow(subID, row)
}

func (t *segTxn) StoreUpsert(subID int64, row []byte) error {
	u := undoRec{kind: undoStoreUpsert, subID: subID}
	var old []byte
	if err := t.target.TxnGetRow(subID, &old); err == nil {
		u.oldRow = old
		u.hadRow = true
	}
	if err := t.target.TxnUpsertRow(subID, row); err != nil {
		t.lastErr = err
		return err
	}
	t.undo = append(t.undo, u)
	return nil
}

func (t *segTxn) StoreRemove(subID int64) error {
	u := undoRec{kind: undoStoreRemove, subID: subID}
	var old []byte
	if err := t.target.TxnGetRow(subID, &old); err == nil {
		u.oldRow = old
		u.hadRow = true
	}
	if err := t.target.TxnRemoveRow(subID); err != nil {
		t.lastErr = err
		return err
	}
	t.undo = append(t.undo, u)
	return nil
}

func (t *segTxn) IndexInsert(indexID int, key []byte, subID int64) bool {
	if !t.target.TxnIndexInsert(indexID, key, subID) {
		return false
	}
	t.undo = append(t.undo, undoRec{
		kind: undoIndexInsert, indexID: indexID,
		key: append([]byte(nil), key...), subID: subID,
	})
	return true
}

func (t *segTxn) IndexRemove(indexID int, key []byte, subID int64) bool {
	if !t.target.TxnIndexRemove(indexID, key, subID) {
		return false
	}
	t.undo = append(t.undo, undoRec{
		kind: undoIndexRemove, indexID: indexID,
		key: append([]byte(nil), key...), subID: subID,
	})
	return true
}

func (t *segTxn) Commit() error {
	if t.finished {
		return ErrTxnFinished
	}
	t.finished = true
	t.undo = nil
	return nil
}

func (t *segTxn) Rollback() error {
	if t.finished {
		return ErrTxnFinished
	}
	t.finished = true
	for i := len(t.undo) - 1; i >= 0; i-- {
		u := t.undo[i]
		switch u.kind {
		case undoIndexInsert:
			t.target.TxnIndexRemove(u.indexID, u.key, u.subID)
		case undoIndexRemove:
			t.target.TxnIndexInsert(u.indexID, u.key, u.subID)
		case undoStoreUpsert, undoStoreRemove:
			if u.hadRow {
				if err := t.target.TxnUpsertRow(u.subID, u.oldRow); err != nil {
					t.lastErr = err
				}
			} else {
				if err := t.target.TxnRemoveRow(u.subID); err != nil {
					t.lastErr = err
				}
			}
		}
	}
	t.undo = nil
	return nil
}

func (t *segTxn) SzError() string {
	if t.lastErr == nil {
		return ""
	}
	return t.lastErr.Error()
}
