package batch

import (
	"errors"
	"strings"
	"testing"
)

func TestMutationValidation(t *testing.T) {
	cases := []struct {
		name string
		make func() (Mutation, error)
		ok   bool
	}{
		{"title ok", func() (Mutation, error) { return NewTitle("res-1", "Hello") }, true},
		{"title empty resource", func() (Mutation, error) { return NewTitle("", "Hello") }, false},
		{"title empty value", func() (Mutation, error) { return NewTitle("res-1", "") }, false},
		{"title too long", func() (Mutation, error) { return NewTitle("res-1", strings.Repeat("x", maxTitleLen+1)) }, false},
		{"description ok", func() (Mutation, error) { return NewDescription("res-1", "desc") }, true},
		{"description too long", func() (Mutation, error) {
			return NewDescription("res-1", strings.Repeat("x", maxDescriptionLen+1))
		}, false},
		{"seo ok", func() (Mutation, error) { return NewSEO("res-1", "t", "d") }, true},
		{"seo missing description", func() (Mutation, error) { return NewSEO("res-1", "t", "") }, false},
		{"cms field ok", func() (Mutation, error) { return NewCMSField("res-1", "item-1", "fld-1", "v") }, true},
		{"cms field empty item", func() (Mutation, error) { return NewCMSField("res-1", "", "fld-1", "v") }, false},
		{"cms field empty field", func() (Mutation, error) { return NewCMSField("res-1", "item-1", "", "v") }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.make()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok {
				var invalid *ErrInvalidMutation
				if !errors.As(err, &invalid) {
					t.Fatalf("got %v, want *ErrInvalidMutation", err)
				}
			}
		})
	}
}

func TestCMSFieldTargetsItemEndpoint(t *testing.T) {
	m, err := NewCMSField("res-1", "item-7", "fld-9", "new value")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	method, path := m.endpoint()
	if method != "PATCH" || path != "/collections/items/item-7/fields/fld-9" {
		t.Fatalf("got %s %s", method, path)
	}
	// Ledgered under the item id with the field id as the field, so the
	// record alone can build the inverse call.
	if m.ledgerResource() != "item-7" {
		t.Fatalf("ledger resource %q, want item-7", m.ledgerResource())
	}
	fields := m.fields()
	if len(fields) != 1 || fields[0].Field != "fld-9" || fields[0].Value != "new value" {
		t.Fatalf("fields %+v", fields)
	}
}

func TestSEOYieldsTwoFieldChanges(t *testing.T) {
	m, err := NewSEO("res-1", "New Title", "New Desc")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	fields := m.fields()
	if len(fields) != 2 {
		t.Fatalf("got %d field changes, want 2", len(fields))
	}
	if fields[0].Field != "title" || fields[1].Field != "description" {
		t.Fatalf("fields %+v", fields)
	}
	method, path := m.endpoint()
	if method != "PATCH" || path != "/resources/res-1" {
		t.Fatalf("got %s %s", method, path)
	}
}
