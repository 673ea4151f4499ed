package segs

import (
	"github.com/skyformat99/nark-db/pkg/dataio"
	"github.com/skyformat99/nark-db/pkg/schema"
)

// collectSurvivors reads a physical-id-addressed store and keeps the
// records whose logical row survives newPurge. oldPurge is the source
// segment's existing mapping.
func collectSurvivors(src dataio.Store, rows int64, oldPurge, newPurge *PurgeBits) ([][]byte, error) {
	var out [][]byte
	physID := int64(0)
	for logicID := int64(0); logicID < rows; logicID++ {
		if oldPurge != nil && oldPurge.Is1(logicID) {
			continue
		}
		if newPurge == nil || !newPurge.Is1(logicID) {
			var rec []byte
			if err := src.GetValueAppend(physID, &rec); err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		physID++
	}
	return out, nil
}

// RebuildReadonly rewrites src with newPurge applied: the degenerate
// single-segment merge behind the purge-delete task. The result keeps
// src's logical id space and tombstone set.
func RebuildReadonly(sconf *schema.SchemaConfig, src *ReadonlySegment, newPurge *PurgeBits, segDir string) (*ReadonlySegment, error) {
	dst := NewReadonlySegment(sconf, segDir)
	rows := src.NumDataRows()
	oldPurge := src.IsPurgedBits()
	for i := 0; i < sconf.IndexNum(); i++ {
		is := sconf.GetIndexSchema(i)
		keys, err := collectSurvivors(src.Indices()[i].GetReadableStore(), rows, oldPurge, newPurge)
		if err != nil {
			return nil, err
		}
		dst.SetIndex(i, dataio.BuildRdIndex(is, keys))
		if is.EnableLinearScan {
			seq := dataio.NewSeqReadStore()
			for _, key := range keys {
				seq.Append(key)
			}
			dst.SetSeqStore(i, seq)
		}
	}
	for i := sconf.IndexNum(); i < sconf.ColgroupNum(); i++ {
		gs := sconf.GetColgroupSchema(i)
		recs, err := collectSurvivors(src.Colgroups()[i], rows, oldPurge, newPurge)
		if err != nil {
			return nil, err
		}
		store, err := buildColgroupStore(gs, recs)
		if err != nil {
			return nil, err
		}
		dst.SetColgroup(i, store)
	}
	dst.SetIsDel(src.SnapshotIsDel())
	dst.SetPurgeBits(newPurge)
	return dst, nil
}
