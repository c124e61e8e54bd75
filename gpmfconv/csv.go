package gpmfconv

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/tekkamanendless/gpmf-processor/gpmf"
)

// ColumnNames returns the CSV header for a sample table: the time, then one column per element.
func ColumnNames(table *gpmf.SampleTable) []string {
	columns := []string{"time"}
	for e := 0; e < table.Elements; e++ {
		name := fmt.Sprintf("%s[%d]", table.Tag, e)
		if unit := elementUnit(table, e); unit != "" {
			name += " (" + unit + ")"
		}
		columns = append(columns, name)
	}
	return columns
}

// elementUnit returns the unit of one element; a single unit applies to all of them.
func elementUnit(table *gpmf.SampleTable, element int) string {
	switch {
	case len(table.Units) == 1:
		return table.Units[0]
	case element < len(table.Units):
		return table.Units[element]
	}
	return ""
}

// WriteCSV writes a sample table as CSV, one row per sample.
func WriteCSV(out io.Writer, table *gpmf.SampleTable) error {
	writer := csv.NewWriter(out)

	err := writer.Write(ColumnNames(table))
	if err != nil {
		return fmt.Errorf("could not write the header: %w", err)
	}

	row := make([]string, table.Elements+1)
	for i, sample := range table.Samples {
		row[0] = strconv.FormatFloat(sample.Time, 'f', 6, 64)
		for e := 0; e < table.Elements; e++ {
			row[e+1] = ""
			if e < len(sample.Values) {
				row[e+1] = strconv.FormatFloat(sample.Values[e], 'g', -1, 64)
			}
		}
		err = writer.Write(row)
		if err != nil {
			return fmt.Errorf("could not write sample %d: %w", i, err)
		}
	}

	writer.Flush()
	err = writer.Error()
	if err != nil {
		return fmt.Errorf("could not flush: %w", err)
	}
	logger.Debugf("Wrote %d rows for %s", len(table.Samples), table.Tag)
	return nil
}
