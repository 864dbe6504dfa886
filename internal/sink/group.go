package sink

import (
	"protosink/internal/domain"
	"protosink/internal/value"
)

// TableWrite is the rows of one batch bound for one table.
type TableWrite struct {
	Info domain.TableInfo
	Rows []*value.Map
}

// Group merges deliverable transform results by qualified table name, in
// the order tables first appear. Rows keep their relative order. Later
// results may declare extra columns; the first declaration of a column and
// the first primary key win.
func Group(results []domain.TransformResult) []TableWrite {
	index := make(map[string]int)
	var out []TableWrite
	for _, res := range results {
		if !res.Deliverable() {
			continue
		}
		key := res.TableInfo.QualifiedName()
		i, ok := index[key]
		if !ok {
			info := *res.TableInfo
			info.Columns = append([]domain.Column(nil), info.Columns...)
			index[key] = len(out)
			out = append(out, TableWrite{Info: info})
			i = len(out) - 1
		} else {
			merge(&out[i].Info, *res.TableInfo)
		}
		out[i].Rows = append(out[i].Rows, res.Rows...)
	}
	return out
}

func merge(into *domain.TableInfo, from domain.TableInfo) {
	if into.PrimaryKey == "" {
		into.PrimaryKey = from.PrimaryKey
	}
	for _, c := range from.Columns {
		if _, ok := into.Column(c.Name); !ok {
			into.Columns = append(into.Columns, c)
		}
	}
}
