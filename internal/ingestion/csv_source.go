package ingestion

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
)

// decodeCSV reads a CSV export into records. The first row is always the
// header; every following row becomes a record keyed by header name.
func decodeCSV(name string, r io.Reader) ([]Record, error) {
	reader := csv.NewReader(r)
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading csv headers: %w", err)
	}

	var records []Record
	var row int64
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading csv row %d: %w", row+1, err)
		}
		row++

		data := make(map[string]interface{}, len(headers))
		for j, header := range headers {
			if j < len(fields) {
				data[header] = fields[j]
			}
		}
		records = append(records, Record{
			ID:     fmt.Sprintf("%s-%d", name, row),
			Source: name,
			Data:   data,
		})
	}
	return records, nil
}

// FileFeed re-reads a local CSV file on every fetch. Useful for replaying
// an export that another process refreshes in place.
type FileFeed struct {
	name string
	path string
}

// NewFileFeed creates a feed over the CSV file at path.
func NewFileFeed(name, path string) *FileFeed {
	return &FileFeed{name: name, path: path}
}

func (f *FileFeed) Name() string { return f.name }

func (f *FileFeed) Fetch(ctx context.Context) ([]Record, error) {
	_, span := startFetchSpan(ctx, f.name, "file")
	defer span.End()

	file, err := os.Open(f.path)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("opening csv %s: %w", f.path, err)
	}
	defer file.Close()

	records, err := decodeCSV(f.name, file)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("decoding %s: %w", f.path, err)
	}
	return records, nil
}
