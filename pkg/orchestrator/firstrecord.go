package orchestrator

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/3leaps/geoxfer/pkg/job"
	"github.com/3leaps/geoxfer/pkg/objectstore"
)

// maxFirstRecord bounds how much of a file is read to find its first record.
const maxFirstRecord = 4 << 20

var errEmptyFile = errors.New("file is empty")

// readFirstRecord returns the first line of an input, decompressing it
// when the object is gzip-encoded.
func readFirstRecord(ctx context.Context, store objectstore.Store, key string) (string, error) {
	rc, entry, err := store.Get(ctx, key)
	if err != nil {
		return "", err
	}
	defer func() { _ = rc.Close() }()

	var r io.Reader = rc
	if entry != nil && entry.Compressed() {
		zr, err := gzip.NewReader(rc)
		if err != nil {
			return "", fmt.Errorf("open gzip stream: %w", err)
		}
		defer func() { _ = zr.Close() }()
		r = zr
	}

	br := bufio.NewReader(io.LimitReader(r, maxFirstRecord))
	line, err := br.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	line = strings.TrimPrefix(line, "\ufeff")
	if strings.TrimSpace(line) == "" {
		return "", errEmptyFile
	}
	return line, nil
}

// checkFirstRecord validates a record against the import layout.
func checkFirstRecord(format job.CSVFormat, line string) error {
	switch format {
	case job.FormatGeoJSON:
		return checkFeature(line)
	case job.FormatCSVGeoJSON:
		fields, err := csvFields(line)
		if err != nil {
			return err
		}
		if len(fields) != 1 {
			return fmt.Errorf("expected 1 column, found %d", len(fields))
		}
		return checkJSONObject(fields[0])
	case job.FormatCSVJSONWKB:
		fields, err := csvFields(line)
		if err != nil {
			return err
		}
		if len(fields) != 2 {
			return fmt.Errorf("expected 2 columns, found %d", len(fields))
		}
		if err := checkJSONObject(fields[0]); err != nil {
			return err
		}
		return checkWKB(fields[1])
	}
	return fmt.Errorf("unsupported csv format %q", format)
}

func csvFields(line string) ([]string, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.LazyQuotes = true
	fields, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("parse csv record: %w", err)
	}
	return fields, nil
}

func checkJSONObject(s string) error {
	var v map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return fmt.Errorf("column is not a JSON object: %w", err)
	}
	return nil
}

func checkFeature(s string) error {
	var f struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(s), &f); err != nil {
		return fmt.Errorf("record is not a JSON object: %w", err)
	}
	if f.Type != "Feature" {
		return fmt.Errorf("record type is %q, not Feature", f.Type)
	}
	return nil
}

func checkWKB(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("geometry column is empty")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("geometry column is not hex WKB: %w", err)
	}
	// byte order marker followed by a geometry type
	if len(b) < 5 || (b[0] != 0 && b[0] != 1) {
		return fmt.Errorf("geometry column is not WKB")
	}
	return nil
}
