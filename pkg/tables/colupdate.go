package tables

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"

	"github.com/skyformat99/nark-db/pkg/schema"
)

// locateColumnTarget resolves a record id onto the segment and the
// mutable bytes of a fixed-width column, then lets fn patch them. The
// touched subId lands on the update journal when the segment is frozen
// or read-only.
func (t *Table) locateColumnTarget(ctx *Ctx, recID int64, columnID int, fn func(b []byte, m schema.ColumnMeta) error) error {
	sconf := t.sconf
	if columnID < 0 || columnID >= sconf.ColumnNum() {
		return errors.Wrapf(ErrInvalidArg, "columnId=%d of %d", columnID, sconf.ColumnNum())
	}
	meta := sconf.RowSchema.GetColumnMeta(columnID)
	width := meta.Width()
	if width == 0 {
		return errors.Wrapf(ErrInvalidArg, "column %q is not fixed width", meta.Name)
	}
	ctx.trySyncSpeculative()
	last := ctx.rowNumVec[len(ctx.rowNumVec)-1]
	if recID < 0 || recID >= last {
		return errors.Wrapf(ErrInvalidArg, "recordId=%d is beyond rows=%d", recID, last)
	}
	i := upperBound(ctx.rowNumVec, recID) - 1
	seg := ctx.segCtx[i]
	subID := recID - ctx.rowNumVec[i]
	base := seg.Base()
	if seg.Wr != nil {
		err := seg.Wr.MutateRow(subID, func(row []byte) error {
			off, n, err := sconf.RowSchema.LocateColumn(row, columnID)
			if err != nil {
				return err
			}
			if n != width {
				return errors.Wrapf(ErrInvalidArg, "column %q width %d != %d", meta.Name, n, width)
			}
			return fn(row[off:off+n], meta)
		})
		if err != nil {
			return err
		}
		if base.IsFreezed() {
			base.WithLock(func() { base.AddToUpdateListLocked(subID) })
		}
		return nil
	}
	cgID, sub := sconf.ColProject(columnID)
	if cgID < sconf.IndexNum() {
		return errors.Wrapf(ErrInvalidArg,
			"column %q lives in index colgroup %d and cannot be updated in place", meta.Name, cgID)
	}
	gs := sconf.GetColgroupSchema(cgID)
	if gs.FixedRowLen() == 0 {
		return errors.Wrapf(ErrInvalidArg, "colgroup %q is not fixed length", gs.Name)
	}
	colOff := 0
	for k := 0; k < sub; k++ {
		colOff += gs.GetColumnMeta(k).Width()
	}
	b, err := seg.Rd.ColumnBase(cgID, subID, colOff, width)
	if err != nil {
		return err
	}
	if err := fn(b, meta); err != nil {
		return err
	}
	base.WithLock(func() { base.AddToUpdateListLocked(subID) })
	return nil
}

// UpdateColumn overwrites one fixed-width column's bytes in place; it
// works on read-only segments through the colgroup's mutable base.
func (t *Table) UpdateColumn(ctx *Ctx, recID int64, columnID int, newColumnData []byte) error {
	return t.locateColumnTarget(ctx, recID, columnID, func(b []byte, m schema.ColumnMeta) error {
		if len(newColumnData) != len(b) {
			return errors.Wrapf(ErrInvalidArg,
				"column(id=%d, name=%s) fixedLen=%d newLen=%d", columnID, m.Name, len(b), len(newColumnData))
		}
		copy(b, newColumnData)
		return nil
	})
}

// UpdateColumnByName resolves the column id and routes to the id-taking
// implementation.
func (t *Table) UpdateColumnByName(ctx *Ctx, recID int64, colname string, newColumnData []byte) error {
	columnID := t.sconf.GetColumnID(colname)
	if columnID < 0 {
		return errors.Wrapf(ErrInvalidArg, "colname = %s does not exist", colname)
	}
	return t.UpdateColumn(ctx, recID, columnID, newColumnData)
}

func readIntColumn(b []byte, m schema.ColumnMeta) (int64, error) {
	switch m.Type {
	case schema.Uint08:
		return int64(b[0]), nil
	case schema.Sint08:
		return int64(int8(b[0])), nil
	case schema.Uint16:
		return int64(binary.LittleEndian.Uint16(b)), nil
	case schema.Sint16:
		return int64(int16(binary.LittleEndian.Uint16(b))), nil
	case schema.Uint32:
		return int64(binary.LittleEndian.Uint32(b)), nil
	case schema.Sint32:
		return int64(int32(binary.LittleEndian.Uint32(b))), nil
	case schema.Uint64, schema.Sint64:
		return int64(binary.LittleEndian.Uint64(b)), nil
	case schema.Float32:
		return int64(math.Float32frombits(binary.LittleEndian.Uint32(b))), nil
	case schema.Float64:
		return int64(math.Float64frombits(binary.LittleEndian.Uint64(b))), nil
	default:
		return 0, errors.Wrapf(ErrInvalidArg, "column %q type %s is not numeric", m.Name, m.Type)
	}
}

func writeIntColumn(b []byte, m schema.ColumnMeta, v int64) {
	switch m.Type {
	case schema.Uint08, schema.Sint08:
		b[0] = byte(v)
	case schema.Uint16, schema.Sint16:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case schema.Uint32, schema.Sint32:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case schema.Uint64, schema.Sint64:
		binary.LittleEndian.PutUint64(b, uint64(v))
	case schema.Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case schema.Float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(float64(v)))
	}
}

func readFloatColumn(b []byte, m schema.ColumnMeta) (float64, error) {
	switch m.Type {
	case schema.Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b))), nil
	case schema.Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
	default:
		v, err := readIntColumn(b, m)
		return float64(v), err
	}
}

func writeFloatColumn(b []byte, m schema.ColumnMeta, v float64) {
	switch m.Type {
	case schema.Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case schema.Float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	default:
		writeIntColumn(b, m, int64(v))
	}
}

// UpdateColumnInteger applies op to the column's integer value; op
// returning false leaves the stored bytes untouched.
func (t *Table) UpdateColumnInteger(ctx *Ctx, recID int64, columnID int, op func(val int64) (int64, bool)) error {
	return t.locateColumnTarget(ctx, recID, columnID, func(b []byte, m schema.ColumnMeta) error {
		v, err := readIntColumn(b, m)
		if err != nil {
			return err
		}
		if nv, ok := op(v); ok {
			writeIntColumn(b, m, nv)
		}
		return nil
	})
}

func (t *Table) UpdateColumnIntegerByName(ctx *Ctx, recID int64, colname string, op func(val int64) (int64, bool)) error {
	columnID := t.sconf.GetColumnID(colname)
	if columnID < 0 {
		return errors.Wrapf(ErrInvalidArg, "colname = %s does not exist", colname)
	}
	return t.UpdateColumnInteger(ctx, recID, columnID, op)
}

func (t *Table) UpdateColumnDouble(ctx *Ctx, recID int64, columnID int, op func(val float64) (float64, bool)) error {
	return t.locateColumnTarget(ctx, recID, columnID, func(b []byte, m schema.ColumnMeta) error {
		v, err := readFloatColumn(b, m)
		if err != nil {
			return err
		}
		if nv, ok := op(v); ok {
			writeFloatColumn(b, m, nv)
		}
		return nil
	})
}

func (t *Table) UpdateColumnDoubleByName(ctx *Ctx, recID int64, colname string, op func(val float64) (float64, bool)) error {
	columnID := t.sconf.GetColumnID(colname)
	if columnID < 0 {
		return errors.Wrapf(ErrInvalidArg, "colname = %s does not exist", colname)
	}
	return t.UpdateColumnDouble(ctx, recID, columnID, op)
}

// IncrementColumnValue adds incVal to a numeric column in place.
func (t *Table) IncrementColumnValue(ctx *Ctx, recID int64, columnID int, incVal int64) error {
	return t.UpdateColumnInteger(ctx, recID, columnID, func(v int64) (int64, bool) {
		return v + incVal, true
	})
}

func (t *Table) IncrementColumnValueByName(ctx *Ctx, recID int64, colname string, incVal int64) error {
	columnID := t.sconf.GetColumnID(colname)
	if columnID < 0 {
		return errors.Wrapf(ErrInvalidArg, "colname = %s does not exist", colname)
	}
	return t.IncrementColumnValue(ctx, recID, columnID, incVal)
}

func (t *Table) IncrementColumnValueDouble(ctx *Ctx, recID int64, columnID int, incVal float64) error {
	return t.UpdateColumnDouble(ctx, recID, columnID, func(v float64) (float64, bool) {
		return v + incVal, true
	})
}
