// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package importer

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	FormatCSV        = "csv"
	FormatSimplemaps = "simplemaps"
	FormatGeonames   = "geonames"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported source format")
	ErrInvalidRow        = errors.New("invalid source row")
)

// Source is a single city read from a source file.
type Source struct {
	Lat     float64
	Lon     float64
	City    string
	Admin   string
	Country string
}

// Reader yields sources until it returns io.EOF. Rows that cannot be used are reported with an
// error wrapping ErrInvalidRow; reading may continue after such an error.
type Reader interface {
	Next() (Source, error)
}

// columns maps the fields of a source row.
type columns struct {
	lat, lon, city, admin, country int
}

func (c columns) required() int {
	return max(c.lat, c.lon, c.city, c.admin, c.country) + 1
}

// fieldReader returns the fields of the next row. *csv.Reader implements it.
type fieldReader interface {
	Read() ([]string, error)
}

// maxLineSize bounds a single line of a tab separated source.
const maxLineSize = 1 << 20

// tabReader splits lines on tabs without any quoting rules. The geonames dump never quotes its
// fields, and names may start with a double quote.
type tabReader struct {
	scanner *bufio.Scanner
}

func newTabReader(r io.Reader) *tabReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &tabReader{scanner: scanner}
}

func (t *tabReader) Read() ([]string, error) {
	for t.scanner.Scan() {
		line := t.scanner.Text()
		if line == "" {
			continue
		}
		return strings.Split(line, "\t"), nil
	}
	if err := t.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

type rowReader struct {
	reader fieldReader
	cols   columns
	line   int
}

// NewReader returns a Reader for the given source format:
//
//   - csv: "lat,lon,name,city,admin,cc" lines without header
//   - simplemaps: the world cities CSV with its header row
//     ("city,city_ascii,lat,lng,country,iso2,iso3,admin_name,...")
//   - geonames: tab separated cities dump such as cities1000.txt
func NewReader(format string, r io.Reader) (Reader, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = true

	cr := &rowReader{reader: reader}
	switch strings.ToLower(format) {
	case FormatCSV:
		cr.cols = columns{lat: 0, lon: 1, city: 3, admin: 4, country: 5}
	case FormatSimplemaps:
		cr.cols = columns{lat: 2, lon: 3, city: 0, admin: 7, country: 5}
		if _, err := reader.Read(); err != nil {
			return nil, fmt.Errorf("failed to read simplemaps header: %w", err)
		}
		cr.line++
	case FormatGeonames:
		cr.reader = newTabReader(r)
		cr.cols = columns{lat: 4, lon: 5, city: 1, admin: 10, country: 8}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	return cr, nil
}

func (r *rowReader) Next() (Source, error) {
	record, err := r.reader.Read()
	r.line++
	if err != nil {
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			return Source{}, fmt.Errorf("%w: line %d: %w", ErrInvalidRow, r.line, err)
		}
		return Source{}, err
	}
	if len(record) < r.cols.required() {
		return Source{}, fmt.Errorf("%w: line %d: expected at least %d fields, got %d", ErrInvalidRow,
			r.line, r.cols.required(), len(record))
	}

	lat, err := strconv.ParseFloat(strings.TrimSpace(record[r.cols.lat]), 64)
	if err != nil {
		return Source{}, fmt.Errorf("%w: line %d: latitude: %w", ErrInvalidRow, r.line, err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(record[r.cols.lon]), 64)
	if err != nil {
		return Source{}, fmt.Errorf("%w: line %d: longitude: %w", ErrInvalidRow, r.line, err)
	}
	source := Source{
		Lat:     lat,
		Lon:     lon,
		City:    normalize(record[r.cols.city]),
		Admin:   normalize(record[r.cols.admin]),
		Country: strings.ToUpper(normalize(record[r.cols.country])),
	}
	if source.City == "" {
		return Source{}, fmt.Errorf("%w: line %d: empty city name", ErrInvalidRow, r.line)
	}
	return source, nil
}

func normalize(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
