package tables

import (
	"sort"

	"github.com/cockroachdb/errors"
)

// IndexKeyExists reports whether any live or dead row carries key; the
// unique pre-check wants tombstoned matches too, callers that care
// about liveness use IndexSearchExact.
func (t *Table) IndexKeyExists(ctx *Ctx, indexID int, key []byte) (bool, error) {
	if indexID < 0 || indexID >= t.sconf.IndexNum() {
		return false, errors.Wrapf(ErrInvalidArg, "indexId=%d, indexNum=%d", indexID, t.sconf.IndexNum())
	}
	ctx.trySyncSpeculative()
	ctx.exactMatch = ctx.exactMatch[:0]
	for i := range ctx.segCtx {
		ctx.segCtx[i].IndexSearchExactAppend(indexID, key, &ctx.exactMatch)
		if len(ctx.exactMatch) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// IndexSearchExact returns the live logical ids holding key, ascending.
func (t *Table) IndexSearchExact(ctx *Ctx, indexID int, key []byte) ([]int64, error) {
	if indexID < 0 || indexID >= t.sconf.IndexNum() {
		return nil, errors.Wrapf(ErrInvalidArg, "indexId=%d, indexNum=%d", indexID, t.sconf.IndexNum())
	}
	ctx.trySyncSpeculative()
	isUnique := t.sconf.GetIndexSchema(indexID).IsUnique
	var out []int64
	for i := range ctx.segCtx {
		seg := ctx.segCtx[i]
		base := seg.Base()
		if base.NumDataRows() == base.Delcnt() {
			continue
		}
		ctx.exactMatch = ctx.exactMatch[:0]
		seg.IndexSearchExactAppend(indexID, key, &ctx.exactMatch)
		baseID := ctx.rowNumVec[i]
		var hits []int64
		for _, subID := range ctx.exactMatch {
			if !base.IsDelMarked(subID) {
				hits = append(hits, baseID+subID)
			}
		}
		if len(hits) >= 2 {
			sort.Slice(hits, func(a, b int) bool { return hits[a] < hits[b] })
		}
		out = append(out, hits...)
		if isUnique && len(out) > 0 {
			return out, nil
		}
	}
	return out, nil
}

// SelectColumns projects chosen columns out of one row.
func (t *Table) SelectColumns(ctx *Ctx, id int64, colIDs []int) ([][]byte, error) {
	for _, colID := range colIDs {
		if colID < 0 || colID >= t.sconf.ColumnNum() {
			return nil, errors.Wrapf(ErrInvalidArg, "columnId=%d of %d", colID, t.sconf.ColumnNum())
		}
	}
	if err := t.GetValue(ctx, id, &ctx.row1); err != nil {
		return nil, err
	}
	ctx.cols1 = ctx.cols1[:0]
	if err := t.sconf.RowSchema.ParseRecordAppend(ctx.row1, &ctx.cols1); err != nil {
		return nil, err
	}
	out := make([][]byte, len(colIDs))
	for i, colID := range colIDs {
		out[i] = append([]byte(nil), ctx.cols1[colID]...)
	}
	return out, nil
}

// SelectOneColumn is SelectColumns for a single column.
func (t *Table) SelectOneColumn(ctx *Ctx, id int64, colID int) ([]byte, error) {
	cols, err := t.SelectColumns(ctx, id, []int{colID})
	if err != nil {
		return nil, err
	}
	return cols[0], nil
}
