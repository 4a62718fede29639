package extract

import (
	"github.com/xuri/excelize/v2"
)

// isoDate renders the built-in short date format (numFmtId 14) so dates of
// birth reach the detector as 1990-01-01 rather than a serial number.
const isoDate = "yyyy-mm-dd"

// xlsxExtractor emits every worksheet, in workbook order, as tab-separated
// rows. Cell values are formatted the way Excel displays them.
type xlsxExtractor struct{}

func (xlsxExtractor) Kind() Kind      { return KindXlsx }
func (xlsxExtractor) RawPrefix() bool { return false }

func (e xlsxExtractor) Extract(path string, limit int64) (string, error) {
	wb, err := excelize.OpenFile(path, excelize.Options{ShortDatePattern: isoDate})
	if err != nil {
		return "", extractionError(e.Kind(), path, err)
	}
	defer wb.Close()

	sink := newTextSink(limit)
	var walkErr error
	for _, sheet := range wb.GetSheetList() {
		if walkErr = writeSheet(wb, sheet, sink); walkErr != nil {
			break
		}
	}
	text, err := finish(sink, walkErr)
	if err != nil {
		return "", extractionError(e.Kind(), path, err)
	}
	return text, nil
}

// writeSheet streams one sheet into sink. Empty cells are dropped.
func writeSheet(wb *excelize.File, sheet string, sink *textSink) error {
	rows, err := wb.Rows(sheet)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		cols, err := rows.Columns()
		if err != nil {
			return err
		}
		first := true
		for _, v := range cols {
			if v == "" {
				continue
			}
			if !first {
				if err := sink.WriteString("\t"); err != nil {
					return err
				}
			}
			first = false
			if err := sink.WriteString(v); err != nil {
				return err
			}
		}
		if err := sink.Newline(); err != nil {
			return err
		}
	}
	return rows.Error()
}
