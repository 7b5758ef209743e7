package qenv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ColumnSpec is one column of a CSV import: its name and the q type
// character the loader parses it as (J long, F float, S symbol).
type ColumnSpec struct {
	Name string
	Type byte
}

// SchemaDiscoverer infers the column layout of a tabular file. ReadCSV
// delegates schema discovery and type mapping here; implementations own the
// policy, the session owns the generated import expression.
type SchemaDiscoverer interface {
	Discover(ctx context.Context, path string) ([]ColumnSpec, error)
}

// DefaultSchemaDiscoverer reads the header row and a bounded sample of data
// rows, inferring J when every sampled value parses as an integer, F when
// every sampled value parses as a number, and S otherwise.
type DefaultSchemaDiscoverer struct {
	// SampleRows bounds how many data rows are inspected. Zero means the
	// default of 100.
	SampleRows int

	// Comma is the field separator; zero means ','.
	Comma rune
}

// Discover implements SchemaDiscoverer.
func (d *DefaultSchemaDiscoverer) Discover(ctx context.Context, path string) ([]ColumnSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	r := csv.NewReader(f)
	if d.Comma != 0 {
		r.Comma = d.Comma
	}
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header %s: %w", path, err)
	}

	sample := d.SampleRows
	if sample <= 0 {
		sample = 100
	}

	// Start every column at the narrowest type and widen as samples
	// contradict it: J -> F -> S.
	specs := make([]ColumnSpec, len(header))
	for i, name := range header {
		specs[i] = ColumnSpec{Name: name, Type: 'J'}
	}
	for row := 0; row < sample; row++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv sample %s: %w", path, err)
		}
		for i := range specs {
			if i >= len(record) {
				continue
			}
			specs[i].Type = widen(specs[i].Type, record[i])
		}
	}
	return specs, nil
}

// widen returns the narrowest q type that still covers both the current
// type and one more sampled value. Empty fields carry no information.
func widen(current byte, value string) byte {
	if current == 'S' || value == "" {
		return current
	}
	if _, err := strconv.ParseInt(value, 10, 64); err == nil {
		return current
	}
	if _, err := strconv.ParseFloat(value, 64); err == nil {
		return 'F'
	}
	return 'S'
}

// ReadCSV imports the CSV file at path into the named server table. Schema
// discovery runs through the session's SchemaDiscoverer (the default
// sniffer unless WithSchemaDiscoverer configured another), then one
// generated import expression loads the file server-side. Every column
// identifier is quoted in the generated expression, so odd characters or
// whitespace in header names never break it.
func (s *Session) ReadCSV(ctx context.Context, path, table string) error {
	if table == "" {
		return fmt.Errorf("read csv: table name must not be empty: %w", ErrEvaluation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.running("read csv " + path); err != nil {
		return err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("normalize %s: %w", path, err)
	}
	specs, err := s.discoverer.Discover(ctx, abs)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return fmt.Errorf("read csv %s: no columns discovered: %w", abs, ErrEvaluation)
	}

	_, err = s.conn.Eval(ctx, Query(importExpr(table, abs, specs)))
	return err
}

// importExpr builds the server-side load expression:
//
//	table:(`$"col1";`$"col2") xcol ("JFS";enlist csv) 0: `$":/abs/file.csv"
//
// Column names go through `$"..." so they survive whitespace and
// punctuation that would break bare symbol literals.
func importExpr(table, absPath string, specs []ColumnSpec) string {
	var b strings.Builder
	b.WriteString(table)
	b.WriteString(":(")
	if len(specs) == 1 {
		b.WriteString("enlist ")
	}
	types := make([]byte, len(specs))
	for i, spec := range specs {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString("`$")
		b.WriteString(quoteQ(spec.Name))
		types[i] = spec.Type
	}
	b.WriteString(") xcol (")
	b.WriteString(quoteQ(string(types)))
	b.WriteString(";enlist csv) 0: `$")
	b.WriteString(quoteQ(":" + absPath))
	return b.String()
}

// quoteQ renders s as a q string literal.
func quoteQ(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}
