package convert

import (
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// convertXLSX flattens the first sheet of a workbook to CSV.
func convertXLSX(body []byte, outputPath string) error {
	file, err := xlsx.OpenBinary(body)
	if err != nil {
		return eris.Wrap(err, "convert: open xlsx")
	}
	if len(file.Sheets) == 0 {
		return eris.New("convert: workbook has no sheets")
	}

	sheet := file.Sheets[0]
	var records [][]string
	for _, row := range sheet.Rows {
		rec := make([]string, 0, len(row.Cells))
		for _, cell := range row.Cells {
			rec = append(rec, cell.String())
		}
		records = append(records, rec)
	}

	// Trim trailing fully-empty rows that spreadsheets often carry.
	for len(records) > 0 {
		last := records[len(records)-1]
		empty := true
		for _, v := range last {
			if v != "" {
				empty = false
				break
			}
		}
		if !empty {
			break
		}
		records = records[:len(records)-1]
	}

	return writeCSV(outputPath, records)
}
