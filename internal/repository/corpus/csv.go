package corpus

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kailas-cloud/cxrag/internal/domain"
	"github.com/kailas-cloud/cxrag/internal/domain/casefile"
	"github.com/kailas-cloud/cxrag/internal/domain/finding"
)

// Recognized CSV columns. Every other column lands in the record metadata.
const (
	ColumnID     = "id"
	ColumnReport = "report"
	ColumnText   = "text"
	ColumnTags   = "tags"
)

// TagSeparator splits the tags column.
const TagSeparator = ";"

// ReadCSV parses a headered CSV corpus. The report column is "report" or
// "text"; "id" and "tags" are optional. Rows without an id are named after
// their row number; rows without tags are tagged from the report text. Blank
// report rows are skipped.
func ReadCSV(r io.Reader) ([]casefile.Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("corpus csv is empty: %w", domain.ErrInvalidInput)
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	reportCol, ok := cols[ColumnReport]
	if !ok {
		if reportCol, ok = cols[ColumnText]; !ok {
			return nil, fmt.Errorf("corpus csv needs a %q or %q column: %w", ColumnReport, ColumnText, domain.ErrInvalidInput)
		}
	}
	idCol, hasID := cols[ColumnID]
	tagsCol, hasTags := cols[ColumnTags]

	var out []casefile.Record
	for row := 1; ; row++ {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", row, err)
		}

		text := strings.TrimSpace(field(fields, reportCol))
		if text == "" {
			continue
		}
		id := ""
		if hasID {
			id = strings.TrimSpace(field(fields, idCol))
		}
		if id == "" {
			id = "row-" + strconv.Itoa(row)
		}
		var tags []string
		if hasTags {
			for _, t := range strings.Split(field(fields, tagsCol), TagSeparator) {
				if t = strings.TrimSpace(t); t != "" {
					tags = append(tags, t)
				}
			}
		}
		if len(tags) == 0 {
			tags = finding.Extract(text)
		}

		meta := make(map[string]string)
		for i, h := range header {
			if i == reportCol || (hasID && i == idCol) || (hasTags && i == tagsCol) {
				continue
			}
			if v := strings.TrimSpace(field(fields, i)); v != "" {
				meta[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = v
			}
		}
		if len(meta) == 0 {
			meta = nil
		}

		rec, err := casefile.New(id, text, tags, meta)
		if err != nil {
			return nil, fmt.Errorf("csv row %d: %w", row, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func field(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}
