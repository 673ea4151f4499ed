package tables

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	ErrInvalidArg      = errors.New("narkdb: invalid argument")
	ErrLogic           = errors.New("narkdb: logic error")
	ErrWritingFinished = errors.New("narkdb: writing is finished")
)

// DupKeyError reports a unique-constraint violation. The write was
// rolled back; the caller may retry with a different key.
type DupKeyError struct {
	Index   string
	Key     string // rendered by the index schema
	SegDir  string
	LogicID int64
}

func (e *DupKeyError) Error() string {
	return fmt.Sprintf("narkdb: dup key %s on index %s, logicId = %d, in seg: %s",
		e.Key, e.Index, e.LogicID, e.SegDir)
}

// ReadRecordError reports a store that failed to return a row during a
// synchronized update or remove. The transaction was rolled back; the
// tombstone may still be set.
type ReadRecordError struct {
	Op     string
	SegDir string
	BaseID int64
	SubID  int64
}

func (e *ReadRecordError) Error() string {
	return fmt.Sprintf("narkdb: read record failed in %s: baseId=%d, subId=%d, seg = %s",
		e.Op, e.BaseID, e.SubID, e.SegDir)
}

// CommitError is fatal to the operation: work was done but the commit
// failed. The caller's recovery layer decides how to proceed.
type CommitError struct {
	Reason string
	SegDir string
	BaseID int64
	SubID  int64
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("narkdb: commit failed: %s, baseId=%d, subId=%d, seg = %s",
		e.Reason, e.BaseID, e.SubID, e.SegDir)
}
