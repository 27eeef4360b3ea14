package convert

import (
	"bytes"
	"encoding/csv"
	"io"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/digital-land/async-request-backend/internal/storage"
)

// decodeToUTF8 normalizes the input bytes to UTF-8. BOMs select UTF-16
// variants; input that is not valid UTF-8 falls back to Windows-1252,
// the usual encoding of exported spreadsheets.
func decodeToUTF8(body []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(body, []byte{0xff, 0xfe}):
		return transformBytes(body, unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder())
	case bytes.HasPrefix(body, []byte{0xfe, 0xff}):
		return transformBytes(body, unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder())
	case bytes.HasPrefix(body, []byte{0xef, 0xbb, 0xbf}):
		return body[3:], nil
	case utf8.Valid(body):
		return body, nil
	default:
		return transformBytes(body, charmap.Windows1252.NewDecoder())
	}
}

func transformBytes(body []byte, t transform.Transformer) ([]byte, error) {
	out, _, err := transform.Bytes(t, body)
	return out, eris.Wrap(err, "convert: decode input")
}

// convertCSV re-reads the input as CSV and rewrites it as UTF-8 with LF
// line endings and a uniform column count.
func convertCSV(body []byte, outputPath string) error {
	decoded, err := decodeToUTF8(body)
	if err != nil {
		return err
	}

	r := csv.NewReader(bytes.NewReader(decoded))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var records [][]string
	width := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return eris.Wrap(err, "convert: parse csv")
		}
		if len(rec) > width {
			width = len(rec)
		}
		records = append(records, rec)
	}

	for i, rec := range records {
		for len(rec) < width {
			rec = append(rec, "")
		}
		records[i] = rec
	}

	return writeCSV(outputPath, records)
}

// writeCSV writes records to outputPath atomically as UTF-8 CSV.
func writeCSV(outputPath string, records [][]string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(records); err != nil {
		return eris.Wrap(err, "convert: write csv")
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return eris.Wrap(err, "convert: flush csv")
	}
	return storage.WriteAtomic(outputPath, buf.Bytes())
}
