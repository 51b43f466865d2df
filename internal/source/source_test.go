package source

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func drain(t *testing.T, src Source) []string {
	t.Helper()
	var out []string
	for {
		v, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		out = append(out, v)
	}
}

func TestSliceSource(t *testing.T) {
	src := NewSlice([]string{"a@x.com", "b@x.com"})
	got := drain(t, src)
	if len(got) != 2 || got[0] != "a@x.com" || got[1] != "b@x.com" {
		t.Fatalf("unexpected items: %v", got)
	}
}

func TestCSVSourceFindsEmailColumn(t *testing.T) {
	doc := "Name,EMAIL,Plan\nAlice, alice@x.com ,pro\nBob,bob@x.com,free\n"
	src, err := NewCSV(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("new csv: %v", err)
	}
	got := drain(t, src)
	if len(got) != 2 || got[0] != "alice@x.com" || got[1] != "bob@x.com" {
		t.Fatalf("unexpected emails: %v", got)
	}
}

func TestCSVSourceSkipsMalformedRows(t *testing.T) {
	doc := "Email,Name\ngood@x.com,Alice\nonly-one-field\nalso@x.com,Bob\n"
	src, err := NewCSV(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("new csv: %v", err)
	}
	got := drain(t, src)
	if len(got) != 2 || got[0] != "good@x.com" || got[1] != "also@x.com" {
		t.Fatalf("unexpected emails: %v", got)
	}
}

func TestCSVSourceRequiresEmailHeader(t *testing.T) {
	if _, err := NewCSV(strings.NewReader("Name,Plan\nAlice,pro\n")); err == nil {
		t.Fatal("expected error for missing Email column")
	}
	if _, err := NewCSV(strings.NewReader("")); err == nil {
		t.Fatal("expected error for empty document")
	}
}
