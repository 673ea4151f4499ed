package schema

import (
	"encoding/json"
	"os"

	"github.com/cockroachdb/errors"
)

const (
	DefaultMaxWritingSegmentSize = int64(16 << 20)
	DefaultMinMergeSegNum        = 2
	DefaultPurgeDeleteThreshold  = 0.5
	DefaultMaxSegNum             = 4095
)

// TableDef is the dbmeta.json document.
type TableDef struct {
	TableName string      `json:"tableName"`
	Columns   []ColumnDef `json:"columns"`
	Indices   []IndexDef  `json:"indices"`
	Colgroups []CgDef     `json:"colgroups,omitempty"`

	MaxWritingSegmentSize int64   `json:"maxWritingSegmentSize,omitempty"`
	MinMergeSegNum        int     `json:"minMergeSegNum,omitempty"`
	PurgeDeleteThreshold  float64 `json:"purgeDeleteThreshold,omitempty"`
	UsePermanentRecordID  bool    `json:"usePermanentRecordId,omitempty"`
}

type ColumnDef struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	FixedLen int    `json:"fixedLen,omitempty"`
}

type IndexDef struct {
	Name       string   `json:"name"`
	Columns    []string `json:"columns"`
	Ordered    bool     `json:"ordered"`
	Unique     bool     `json:"unique"`
	LinearScan bool     `json:"linearScan,omitempty"`
}

type CgDef struct {
	Name               string   `json:"name"`
	Columns            []string `json:"columns"`
	DictZipSampleRatio float64  `json:"dictZipSampleRatio,omitempty"`
}

type colProjection struct {
	CgID int
	Sub  int
}

// SchemaConfig is the compiled table schema: row layout, index and
// colgroup projections, and the engine tunables carried by dbmeta.json.
type SchemaConfig struct {
	TableName string
	RowSchema *Schema
	Indices   []*Schema
	// Colgroups[0:len(Indices)] alias the index schemas; user groups and
	// the residual group follow.
	Colgroups []*Schema

	UniqIndices        []int
	MultIndices        []int
	UpdatableColgroups []int

	MaxWritingSegmentSize int64
	MinMergeSegNum        int
	PurgeDeleteThreshold  float64
	MaxSegNum             int
	UsePermanentRecordID  bool

	def        *TableDef
	colProject []colProjection
	colIDs     map[string]int
	indexIDs   map[string]int
}

func Compile(def *TableDef) (*SchemaConfig, error) {
	if len(def.Columns) == 0 {
		return nil, errors.New("narkdb: table has no columns")
	}
	if len(def.Indices) == 0 {
		return nil, errors.New("narkdb: table has no indices")
	}
	sc := &SchemaConfig{
		TableName:             def.TableName,
		MaxWritingSegmentSize: def.MaxWritingSegmentSize,
		MinMergeSegNum:        def.MinMergeSegNum,
		PurgeDeleteThreshold:  def.PurgeDeleteThreshold,
		MaxSegNum:             DefaultMaxSegNum,
		UsePermanentRecordID:  def.UsePermanentRecordID,
		def:                   def,
		colIDs:                make(map[string]int),
		indexIDs:              make(map[string]int),
	}
	if sc.MaxWritingSegmentSize <= 0 {
		sc.MaxWritingSegmentSize = DefaultMaxWritingSegmentSize
	}
	if sc.MinMergeSegNum <= 0 {
		sc.MinMergeSegNum = DefaultMinMergeSegNum
	}
	if sc.PurgeDeleteThreshold <= 0 {
		sc.PurgeDeleteThreshold = DefaultPurgeDeleteThreshold
	}

	rowCols := make([]ColumnMeta, len(def.Columns))
	rowIDs := make([]int, len(def.Columns))
	for i, c := range def.Columns {
		t, err := ColumnTypeFromName(c.Type)
		if err != nil {
			return nil, err
		}
		if t == Fixed && c.FixedLen <= 0 {
			return nil, errors.Newf("narkdb: column %q is fixed with no fixedLen", c.Name)
		}
		if _, dup := sc.colIDs[c.Name]; dup {
			return nil, errors.Newf("narkdb: duplicate column %q", c.Name)
		}
		rowCols[i] = ColumnMeta{Name: c.Name, Type: t, FixedLen: c.FixedLen}
		rowIDs[i] = i
		sc.colIDs[c.Name] = i
	}
	sc.RowSchema = NewSchema("row", rowCols, rowIDs)

	project := func(names []string) ([]ColumnMeta, []int, error) {
		metas := make([]ColumnMeta, len(names))
		ids := make([]int, len(names))
		for i, name := range names {
			id, ok := sc.colIDs[name]
			if !ok {
				return nil, nil, errors.Newf("narkdb: unknown column %q", name)
			}
			metas[i] = rowCols[id]
			ids[i] = id
		}
		return metas, ids, nil
	}

	for i, idef := range def.Indices {
		metas, ids, err := project(idef.Columns)
		if err != nil {
			return nil, err
		}
		is := NewSchema(idef.Name, metas, ids)
		is.IsOrdered = idef.Ordered
		is.IsUnique = idef.Unique
		is.EnableLinearScan = idef.LinearScan
		if _, dup := sc.indexIDs[idef.Name]; dup {
			return nil, errors.Newf("narkdb: duplicate index %q", idef.Name)
		}
		sc.indexIDs[idef.Name] = i
		sc.Indices = append(sc.Indices, is)
		sc.Colgroups = append(sc.Colgroups, is)
		if idef.Unique {
			sc.UniqIndices = append(sc.UniqIndices, i)
		} else {
			sc.MultIndices = append(sc.MultIndices, i)
		}
	}

	claimed := make([]bool, len(rowCols))
	sc.colProject = make([]colProjection, len(rowCols))
	claim := func(cgID int, s *Schema) {
		for sub, colID := range s.ColIDs {
			if !claimed[colID] {
				claimed[colID] = true
				sc.colProject[colID] = colProjection{CgID: cgID, Sub: sub}
			}
		}
	}
	for i, is := range sc.Indices {
		claim(i, is)
	}
	for _, gdef := range def.Colgroups {
		metas, ids, err := project(gdef.Columns)
		if err != nil {
			return nil, err
		}
		gs := NewSchema(gdef.Name, metas, ids)
		gs.DictZipSampleRatio = gdef.DictZipSampleRatio
		cgID := len(sc.Colgroups)
		sc.Colgroups = append(sc.Colgroups, gs)
		claim(cgID, gs)
	}
	var restMetas []ColumnMeta
	var restIDs []int
	for i := range rowCols {
		if !claimed[i] {
			restMetas = append(restMetas, rowCols[i])
			restIDs = append(restIDs, i)
		}
	}
	if len(restIDs) > 0 {
		gs := NewSchema("rest", restMetas, restIDs)
		cgID := len(sc.Colgroups)
		sc.Colgroups = append(sc.Colgroups, gs)
		claim(cgID, gs)
	}
	for i := len(sc.Indices); i < len(sc.Colgroups); i++ {
		if sc.Colgroups[i].FixedRowLen() > 0 {
			sc.UpdatableColgroups = append(sc.UpdatableColgroups, i)
		}
	}
	return sc, nil
}

func ParseJSON(data []byte) (*SchemaConfig, error) {
	var def TableDef
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, errors.Wrap(err, "narkdb: parse dbmeta")
	}
	return Compile(&def)
}

func LoadJSONFile(path string) (*SchemaConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "narkdb: read %s", path)
	}
	return ParseJSON(data)
}

func (sc *SchemaConfig) SaveJSONFile(path string) error {
	data, err := json.MarshalIndent(sc.def, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (sc *SchemaConfig) ColumnNum() int   { return sc.RowSchema.ColumnNum() }
func (sc *SchemaConfig) IndexNum() int    { return len(sc.Indices) }
func (sc *SchemaConfig) ColgroupNum() int { return len(sc.Colgroups) }

func (sc *SchemaConfig) GetIndexSchema(i int) *Schema    { return sc.Indices[i] }
func (sc *SchemaConfig) GetColgroupSchema(i int) *Schema { return sc.Colgroups[i] }

// GetIndexID returns -1 when no index has that name.
func (sc *SchemaConfig) GetIndexID(name string) int {
	if id, ok := sc.indexIDs[name]; ok {
		return id
	}
	return -1
}

// GetColumnID returns -1 when no column has that name.
func (sc *SchemaConfig) GetColumnID(name string) int {
	if id, ok := sc.colIDs[name]; ok {
		return id
	}
	return -1
}

// ColProject maps a row column onto (colgroup, sub-column).
func (sc *SchemaConfig) ColProject(colID int) (cgID, sub int) {
	p := sc.colProject[colID]
	return p.CgID, p.Sub
}
