package segs

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"github.com/skyformat99/nark-db/pkg/dataio"
	"github.com/skyformat99/nark-db/pkg/schema"
)

// ReadonlySegment holds immutable encoded colgroups and index stores.
// Physical ids address the stores; when isPurged is present the logical
// id space is wider and maps through rank0/select0. Fixed-length
// colgroups keep a narrow in-place write path so a merge can absorb
// journaled updates.
type ReadonlySegment struct {
	Segment
	isPurged  *PurgeBits
	indices   []*dataio.RdIndex
	colgroups []dataio.Store
	seqStores map[int]*dataio.SeqReadStore
}

func NewReadonlySegment(sconf *schema.SchemaConfig, segDir string) *ReadonlySegment {
	r := &ReadonlySegment{}
	r.initSegment(sconf, segDir)
	r.indices = make([]*dataio.RdIndex, sconf.IndexNum())
	r.colgroups = make([]dataio.Store, sconf.ColgroupNum())
	r.seqStores = make(map[int]*dataio.SeqReadStore)
	return r
}

func (r *ReadonlySegment) IsPurgedBits() *PurgeBits   { return r.isPurged }
func (r *ReadonlySegment) Indices() []*dataio.RdIndex { return r.indices }
func (r *ReadonlySegment) Colgroups() []dataio.Store  { return r.colgroups }
func (r *ReadonlySegment) SeqStore(indexID int) *dataio.SeqReadStore {
	return r.seqStores[indexID]
}

// GetLogicID maps a physical id back to its stable logical id.
func (r *ReadonlySegment) GetLogicID(physID int64) int64 {
	if r.isPurged == nil {
		return physID
	}
	return r.isPurged.Select0(physID)
}

// GetPhysicID maps a live logical id onto the store id space.
func (r *ReadonlySegment) GetPhysicID(logicID int64) int64 {
	if r.isPurged == nil {
		return logicID
	}
	return r.isPurged.Rank0(logicID)
}

func (r *ReadonlySegment) PhysicRows() int64 {
	if r.isPurged == nil {
		return r.NumDataRows()
	}
	return r.isPurged.MaxRank0()
}

func (r *ReadonlySegment) GetColgroupRecordAppend(cgID int, logicID int64, val *[]byte) error {
	if r.isPurged != nil && r.isPurged.Is1(logicID) {
		return errors.Wrapf(dataio.ErrRecordRange, "logicId %d purged", logicID)
	}
	return r.colgroups[cgID].GetValueAppend(r.GetPhysicID(logicID), val)
}

// GetValueAppend reassembles the full row from its colgroups.
func (r *ReadonlySegment) GetValueAppend(logicID int64, val *[]byte) error {
	if logicID < 0 || logicID >= r.isDel.Size() {
		return errors.Wrapf(dataio.ErrRecordRange, "rdseg get %d of %d", logicID, r.isDel.Size())
	}
	sconf := r.sconf
	colsOut := make([][]byte, sconf.ColumnNum())
	parsed := make(map[int][][]byte, 2)
	for colID := 0; colID < sconf.ColumnNum(); colID++ {
		cgID, sub := sconf.ColProject(colID)
		cols, ok := parsed[cgID]
		if !ok {
			var rec []byte
			if err := r.GetColgroupRecordAppend(cgID, logicID, &rec); err != nil {
				return err
			}
			var err error
			cols, err = sconf.GetColgroupSchema(cgID).ParseRecord(rec)
			if err != nil {
				return err
			}
			parsed[cgID] = cols
		}
		colsOut[colID] = cols[sub]
	}
	return sconf.RowSchema.BuildRecordAppend(colsOut, val)
}

// IndexSearchExactAppend appends matching logical ids, ascending.
func (r *ReadonlySegment) IndexSearchExactAppend(indexID int, key []byte, out *[]int64) {
	var phys []int64
	r.indices[indexID].SearchExactAppend(key, &phys)
	for _, p := range phys {
		*out = append(*out, r.GetLogicID(p))
	}
}

func (r *ReadonlySegment) CreateIndexIter(indexID int, forward bool) dataio.IndexIter {
	return r.indices[indexID].CreateIter(forward)
}

// UpdateColgroupRecord overwrites one record of a fixed-length
// colgroup in place.
func (r *ReadonlySegment) UpdateColgroupRecord(cgID int, logicID int64, rec []byte) error {
	fs, ok := r.colgroups[cgID].(*dataio.FixedLenStore)
	if !ok {
		return errors.Newf("narkdb: colgroup %d of %s is not rewritable", cgID, r.segDir)
	}
	return fs.UpdateRecord(r.GetPhysicID(logicID), rec)
}

// ColumnBase locates the mutable bytes of one fixed column.
func (r *ReadonlySegment) ColumnBase(cgID int, logicID int64, colOff, colLen int) ([]byte, error) {
	fs, ok := r.colgroups[cgID].(*dataio.FixedLenStore)
	if !ok {
		return nil, errors.Newf("narkdb: colgroup %d of %s is not rewritable", cgID, r.segDir)
	}
	base := fs.RecordsBasePtr()
	off := int(r.GetPhysicID(logicID))*fs.FixedLen() + colOff
	if off+colLen > len(base) {
		return nil, errors.Wrapf(dataio.ErrRecordRange, "column base %d+%d of %d", off, colLen, len(base))
	}
	return base[off : off+colLen], nil
}

// SyncUpdateRecordNoLock replays a journaled source-row update onto the
// merged output's mutable colgroups.
func (r *ReadonlySegment) SyncUpdateRecordNoLock(dstLogicID int64, src *ReadonlySegment, srcSubID int64) error {
	var rec []byte
	for _, cgID := range r.sconf.UpdatableColgroups {
		rec = rec[:0]
		if err := src.GetColgroupRecordAppend(cgID, srcSubID, &rec); err != nil {
			return err
		}
		if err := r.UpdateColgroupRecord(cgID, dstLogicID, rec); err != nil {
			return err
		}
	}
	return nil
}

func (r *ReadonlySegment) DataStorageSize() int64 {
	var n int64
	for _, cg := range r.colgroups {
		if cg != nil {
			n += cg.DataStorageSize()
		}
	}
	return n
}

func (r *ReadonlySegment) DataInflateSize() int64 {
	var n int64
	for _, cg := range r.colgroups {
		if cg != nil {
			n += cg.DataInflateSize()
		}
	}
	return n
}

func (r *ReadonlySegment) IndexStorageSize(indexID int) int64 {
	return r.indices[indexID].StorageSize()
}

func zeroRecord(s *schema.Schema) []byte {
	cols := make([][]byte, s.ColumnNum())
	for i, m := range s.Columns {
		if w := m.Width(); w > 0 {
			cols[i] = make([]byte, w)
		}
	}
	rec, err := s.BuildRecord(cols)
	if err != nil {
		panic(err)
	}
	return rec
}

func buildColgroupStore(s *schema.Schema, recs [][]byte) (dataio.Store, error) {
	if len(recs) == 0 {
		return dataio.EmptyStore{}, nil
	}
	if fixlen := s.FixedRowLen(); fixlen > 0 {
		fs := dataio.NewFixedLenStore(fixlen)
		fs.ReserveRows(int64(len(recs)))
		for _, rec := range recs {
			if err := fs.Append(rec); err != nil {
				return nil, err
			}
		}
		return fs, nil
	}
	if s.DictZipSampleRatio > 0 {
		return dataio.BuildDictZipStore(recs)
	}
	return dataio.BuildVarLenStore(recs), nil
}

// ConvFromRows builds the read-only encodings from a frozen writable
// segment's slot table. Every slot becomes a physical record so the id
// space is untouched; purge happens only at merge time.
func (r *ReadonlySegment) ConvFromRows(rows [][]byte, isDel *DelBits) error {
	sconf := r.sconf
	zero := zeroRecord(sconf.RowSchema)
	var cols [][]byte
	rowAt := func(sub int) ([][]byte, error) {
		row := rows[sub]
		if row == nil {
			row = zero
		}
		cols = cols[:0]
		if err := sconf.RowSchema.ParseRecordAppend(row, &cols); err != nil {
			return nil, err
		}
		return cols, nil
	}

	for i := 0; i < sconf.IndexNum(); i++ {
		is := sconf.GetIndexSchema(i)
		keys := make([][]byte, len(rows))
		for sub := range rows {
			rc, err := rowAt(sub)
			if err != nil {
				return err
			}
			var key []byte
			if err := is.SelectParentAppend(rc, &key); err != nil {
				return err
			}
			keys[sub] = key
		}
		r.indices[i] = dataio.BuildRdIndex(is, keys)
		r.colgroups[i] = r.indices[i].GetReadableStore()
		if is.EnableLinearScan {
			seq := dataio.NewSeqReadStore()
			for _, key := range keys {
				seq.Append(key)
			}
			r.seqStores[i] = seq
		}
	}
	for i := sconf.IndexNum(); i < sconf.ColgroupNum(); i++ {
		gs := sconf.GetColgroupSchema(i)
		recs := make([][]byte, len(rows))
		for sub := range rows {
			rc, err := rowAt(sub)
			if err != nil {
				return err
			}
			var rec []byte
			if err := gs.SelectParentAppend(rc, &rec); err != nil {
				return err
			}
			recs[sub] = rec
		}
		store, err := buildColgroupStore(gs, recs)
		if err != nil {
			return err
		}
		r.colgroups[i] = store
	}
	r.isDel = isDel
	r.delcnt = isDel.PopCnt()
	r.isFreezed = true
	return nil
}

// ReplaceIsDel swaps in a fresh tombstone snapshot; used at the swap
// point of a conversion to pick up deletions that landed while the
// encodings were being built.
func (r *ReadonlySegment) ReplaceIsDel(isDel *DelBits) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.isDel = isDel
	r.delcnt = isDel.PopCnt()
}

// SetPurgeBits installs the purge bitmap; merge output only.
func (r *ReadonlySegment) SetPurgeBits(p *PurgeBits) { r.isPurged = p }

// SetIndex installs a pre-built index and its key store (the empty
// sentinel for nil); merge output only.
func (r *ReadonlySegment) SetIndex(i int, idx *dataio.RdIndex) {
	r.indices[i] = idx
	if idx != nil {
		r.colgroups[i] = idx.GetReadableStore()
	} else {
		r.colgroups[i] = dataio.EmptyStore{}
	}
}

func (r *ReadonlySegment) SetColgroup(i int, store dataio.Store) { r.colgroups[i] = store }

// SetSeqStore is called concurrently by the per-index merge fan-out.
func (r *ReadonlySegment) SetSeqStore(indexID int, s *dataio.SeqReadStore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqStores[indexID] = s
}

func (r *ReadonlySegment) SetIsDel(isDel *DelBits) {
	r.isDel = isDel
	r.delcnt = isDel.PopCnt()
	r.isFreezed = true
}

// --- persistence ---

func cgExt(store dataio.Store) string {
	switch store.(type) {
	case *dataio.FixedLenStore:
		return ".flx"
	case *dataio.DictZipStore:
		return ".dz"
	case dataio.EmptyStore:
		return ".emp"
	default:
		return ".vlz"
	}
}

func (r *ReadonlySegment) Save(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "narkdb: create segment dir %s", dir)
	}
	for i, idx := range r.indices {
		name := r.sconf.GetIndexSchema(i).Name
		if err := idx.Save(filepath.Join(dir, "index-"+name+".idx")); err != nil {
			return err
		}
		if seq, ok := r.seqStores[i]; ok {
			if err := seq.Save(filepath.Join(dir, "index-"+name+".seq")); err != nil {
				return err
			}
		}
	}
	for i := r.sconf.IndexNum(); i < r.sconf.ColgroupNum(); i++ {
		name := r.sconf.GetColgroupSchema(i).Name
		store := r.colgroups[i]
		path := filepath.Join(dir, "colgroup-"+name+cgExt(store))
		switch s := store.(type) {
		case *dataio.FixedLenStore:
			if err := s.Save(path); err != nil {
				return err
			}
		case *dataio.DictZipStore:
			if err := s.Save(path); err != nil {
				return err
			}
		case *dataio.VarLenStore:
			if err := s.Save(path); err != nil {
				return err
			}
		case dataio.EmptyStore:
			if err := dataio.WriteFileAtomic(path, nil); err != nil {
				return err
			}
		case *dataio.MultiPartStore:
			flat, err := s.Materialize()
			if err != nil {
				return err
			}
			r.colgroups[i] = flat
			if err := flat.Save(filepath.Join(dir, "colgroup-"+name+".vlz")); err != nil {
				return err
			}
		default:
			return errors.Newf("narkdb: cannot save colgroup store %T", store)
		}
	}
	if r.isPurged != nil {
		data, err := r.isPurged.MarshalBinary()
		if err != nil {
			return err
		}
		if err := dataio.WriteFileAtomic(filepath.Join(dir, isPurgedFile), data); err != nil {
			return err
		}
	}
	return r.SaveIsDel(dir)
}

// SaveUpdatableColgroups re-persists the fixed-length stores the
// journal drain may have touched after the full Save.
func (r *ReadonlySegment) SaveUpdatableColgroups(dir string) error {
	for _, cgID := range r.sconf.UpdatableColgroups {
		fs, ok := r.colgroups[cgID].(*dataio.FixedLenStore)
		if !ok {
			continue
		}
		name := r.sconf.GetColgroupSchema(cgID).Name
		if err := fs.Save(filepath.Join(dir, "colgroup-"+name+".flx")); err != nil {
			return err
		}
	}
	return nil
}

func (r *ReadonlySegment) Load(dir string) error {
	r.segDir = dir
	if err := r.loadIsDel(dir); err != nil {
		return err
	}
	if data, err := dataio.ReadFileChecked(filepath.Join(dir, isPurgedFile)); err == nil {
		p, err := UnmarshalPurgeBits(data)
		if err != nil {
			return err
		}
		r.isPurged = p
	}
	for i := 0; i < r.sconf.IndexNum(); i++ {
		is := r.sconf.GetIndexSchema(i)
		idx, err := dataio.LoadRdIndex(filepath.Join(dir, "index-"+is.Name+".idx"), is)
		if err != nil {
			return err
		}
		r.indices[i] = idx
		r.colgroups[i] = idx.GetReadableStore()
		if is.EnableLinearScan {
			seq, err := dataio.LoadSeqReadStore(filepath.Join(dir, "index-"+is.Name+".seq"))
			if err == nil {
				r.seqStores[i] = seq
			}
		}
	}
	for i := r.sconf.IndexNum(); i < r.sconf.ColgroupNum(); i++ {
		name := r.sconf.GetColgroupSchema(i).Name
		prefix := filepath.Join(dir, "colgroup-"+name)
		switch {
		case exists(prefix + ".flx"):
			s, err := dataio.LoadFixedLenStore(prefix + ".flx")
			if err != nil {
				return err
			}
			r.colgroups[i] = s
		case exists(prefix + ".dz"):
			s, err := dataio.LoadDictZipStore(prefix + ".dz")
			if err != nil {
				return err
			}
			r.colgroups[i] = s
		case exists(prefix + ".vlz"):
			s, err := dataio.LoadVarLenStore(prefix + ".vlz")
			if err != nil {
				return err
			}
			r.colgroups[i] = s
		case exists(prefix + ".emp"):
			r.colgroups[i] = dataio.EmptyStore{}
		default:
			return errors.Newf("narkdb: missing colgroup store %s", prefix)
		}
	}
	r.isFreezed = true
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (r *ReadonlySegment) DeleteSegment() error {
	return os.RemoveAll(r.segDir)
}
