// Package source provides streamable sequences of candidate recipient
// addresses. Sources yield raw address-like strings; validation and
// normalization belong to the collector.
package source

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"
)

// Source streams candidate addresses one at a time. Next returns io.EOF when
// the sequence is exhausted.
type Source interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// Slice is an in-memory source, useful for inline recipient lists and tests.
type Slice struct {
	items []string
	pos   int
}

// NewSlice wraps a list of addresses.
func NewSlice(items []string) *Slice {
	return &Slice{items: items}
}

func (s *Slice) Next(_ context.Context) (string, error) {
	if s.pos >= len(s.items) {
		return "", io.EOF
	}
	item := s.items[s.pos]
	s.pos++
	return item, nil
}

func (s *Slice) Close() error { return nil }

// CSV streams rows from a CSV document that carries an Email column
// (case-insensitive header match). Rows with a mismatched field count are
// skipped rather than aborting the stream.
type CSV struct {
	reader   *csv.Reader
	closer   io.Closer
	emailIdx int
	fields   int
}

// NewCSV reads the header row and locates the Email column.
func NewCSV(r io.Reader) (*CSV, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		return nil, errors.New("csv: missing header row")
	}

	emailIdx := -1
	for i, h := range headers {
		if strings.EqualFold(strings.TrimSpace(h), "email") {
			emailIdx = i
			break
		}
	}
	if emailIdx == -1 {
		return nil, errors.New("csv: no Email column in header")
	}

	c := &CSV{reader: reader, emailIdx: emailIdx, fields: len(headers)}
	if closer, ok := r.(io.Closer); ok {
		c.closer = closer
	}
	return c, nil
}

func (c *CSV) Next(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		record, err := c.reader.Read()
		if err != nil {
			return "", err
		}
		if len(record) != c.fields {
			continue // malformed row
		}
		return strings.TrimSpace(record[c.emailIdx]), nil
	}
}

func (c *CSV) Close() error {
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}
