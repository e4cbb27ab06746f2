// Package batch applies an ordered set of field-level mutations to the
// remote content API and aggregates the outcome.
//
// Mutations are a closed union: each kind carries exactly the fields it
// needs and is validated at construction, so a malformed mutation fails
// synchronously before anything is dispatched.
package batch

import (
	"fmt"
	"net/http"

	"github.com/hazyhaar/cmsbatch/ledger"
)

// Kind enumerates the supported mutation kinds.
type Kind string

const (
	KindTitle       Kind = "title"
	KindDescription Kind = "description"
	KindSEO         Kind = "combined-seo"
	KindCMSField    Kind = "cms-field"
)

// Field length sanity caps. The remote API enforces its own limits; these
// catch obviously broken inputs before a network call is wasted on them.
const (
	maxTitleLen       = 512
	maxDescriptionLen = 4096
	maxFieldValueLen  = 64 * 1024
)

// ErrInvalidMutation is a programmer error: the mutation never existed and
// nothing was dispatched.
type ErrInvalidMutation struct {
	Kind   Kind
	Reason string
}

func (e *ErrInvalidMutation) Error() string {
	return fmt.Sprintf("batch: invalid %s mutation: %s", e.Kind, e.Reason)
}

// Mutation is one field-level change targeted at one remote resource.
// Immutable once constructed.
type Mutation struct {
	kind        Kind
	resourceID  string
	itemID      string
	fieldID     string
	title       string
	description string
	value       string
	preview     bool
}

// NewTitle builds a title mutation for a resource.
func NewTitle(resourceID, title string) (Mutation, error) {
	if resourceID == "" {
		return Mutation{}, &ErrInvalidMutation{Kind: KindTitle, Reason: "empty resource id"}
	}
	if title == "" {
		return Mutation{}, &ErrInvalidMutation{Kind: KindTitle, Reason: "empty title"}
	}
	if len(title) > maxTitleLen {
		return Mutation{}, &ErrInvalidMutation{Kind: KindTitle, Reason: fmt.Sprintf("title exceeds %d bytes", maxTitleLen)}
	}
	return Mutation{kind: KindTitle, resourceID: resourceID, title: title}, nil
}

// NewDescription builds a description mutation for a resource.
func NewDescription(resourceID, description string) (Mutation, error) {
	if resourceID == "" {
		return Mutation{}, &ErrInvalidMutation{Kind: KindDescription, Reason: "empty resource id"}
	}
	if description == "" {
		return Mutation{}, &ErrInvalidMutation{Kind: KindDescription, Reason: "empty description"}
	}
	if len(description) > maxDescriptionLen {
		return Mutation{}, &ErrInvalidMutation{Kind: KindDescription, Reason: fmt.Sprintf("description exceeds %d bytes", maxDescriptionLen)}
	}
	return Mutation{kind: KindDescription, resourceID: resourceID, description: description}, nil
}

// NewSEO builds a combined title+description mutation applied in one call.
func NewSEO(resourceID, title, description string) (Mutation, error) {
	if resourceID == "" {
		return Mutation{}, &ErrInvalidMutation{Kind: KindSEO, Reason: "empty resource id"}
	}
	if title == "" || description == "" {
		return Mutation{}, &ErrInvalidMutation{Kind: KindSEO, Reason: "both title and description are required"}
	}
	if len(title) > maxTitleLen {
		return Mutation{}, &ErrInvalidMutation{Kind: KindSEO, Reason: fmt.Sprintf("title exceeds %d bytes", maxTitleLen)}
	}
	if len(description) > maxDescriptionLen {
		return Mutation{}, &ErrInvalidMutation{Kind: KindSEO, Reason: fmt.Sprintf("description exceeds %d bytes", maxDescriptionLen)}
	}
	return Mutation{kind: KindSEO, resourceID: resourceID, title: title, description: description}, nil
}

// NewCMSField builds a mutation of one field of one CMS collection item.
func NewCMSField(resourceID, itemID, fieldID, value string) (Mutation, error) {
	if resourceID == "" {
		return Mutation{}, &ErrInvalidMutation{Kind: KindCMSField, Reason: "empty resource id"}
	}
	if itemID == "" {
		return Mutation{}, &ErrInvalidMutation{Kind: KindCMSField, Reason: "empty item id"}
	}
	if fieldID == "" {
		return Mutation{}, &ErrInvalidMutation{Kind: KindCMSField, Reason: "empty field id"}
	}
	if len(value) > maxFieldValueLen {
		return Mutation{}, &ErrInvalidMutation{Kind: KindCMSField, Reason: fmt.Sprintf("value exceeds %d bytes", maxFieldValueLen)}
	}
	return Mutation{kind: KindCMSField, resourceID: resourceID, itemID: itemID, fieldID: fieldID, value: value}, nil
}

// Kind returns the mutation kind.
func (m Mutation) Kind() Kind { return m.kind }

// ResourceID returns the targeted resource id.
func (m Mutation) ResourceID() string { return m.resourceID }

// ItemID returns the CMS item id (cms-field mutations only).
func (m Mutation) ItemID() string { return m.itemID }

// FieldID returns the CMS field id (cms-field mutations only).
func (m Mutation) FieldID() string { return m.fieldID }

// Preview reports whether the mutation is a dry run.
func (m Mutation) Preview() bool { return m.preview }

// AsPreview returns a copy flagged as a dry run: the coordinator records
// what would change without making a network call.
func (m Mutation) AsPreview() Mutation {
	m.preview = true
	return m
}

// Describe renders the mutation for progress reporting and logs.
func (m Mutation) Describe() string {
	if m.kind == KindCMSField {
		return fmt.Sprintf("%s %s/%s.%s", m.kind, m.resourceID, m.itemID, m.fieldID)
	}
	return fmt.Sprintf("%s %s", m.kind, m.resourceID)
}

// endpoint returns the HTTP method and path that apply the mutation.
func (m Mutation) endpoint() (string, string) {
	if m.kind == KindCMSField {
		return http.MethodPatch, "/collections/items/" + m.itemID + "/fields/" + m.fieldID
	}
	return http.MethodPatch, "/resources/" + m.resourceID
}

// body returns the JSON request body that applies the mutation.
func (m Mutation) body() any {
	switch m.kind {
	case KindTitle:
		return map[string]string{"title": m.title}
	case KindDescription:
		return map[string]string{"description": m.description}
	case KindSEO:
		return map[string]string{"title": m.title, "description": m.description}
	default:
		return map[string]string{"value": m.value}
	}
}

// snapshotPath returns the GET path that reads the mutation's current
// values, for the pre-batch snapshot.
func (m Mutation) snapshotPath() string {
	if m.kind == KindCMSField {
		return "/collections/items/" + m.itemID + "/fields/" + m.fieldID
	}
	return "/resources/" + m.resourceID
}

// ledgerResource is the id change records are filed under. For CMS fields
// that is the item id, so a record alone suffices to build the inverse call.
func (m Mutation) ledgerResource() string {
	if m.kind == KindCMSField {
		return m.itemID
	}
	return m.resourceID
}

// fields lists the fields the mutation writes, with the values it writes.
// A combined-seo mutation touches two fields in one call, so it yields two
// entries — and two change records on success.
func (m Mutation) fields() []ledger.FieldChange {
	switch m.kind {
	case KindTitle:
		return []ledger.FieldChange{{Field: "title", Value: m.title}}
	case KindDescription:
		return []ledger.FieldChange{{Field: "description", Value: m.description}}
	case KindSEO:
		return []ledger.FieldChange{
			{Field: "title", Value: m.title},
			{Field: "description", Value: m.description},
		}
	default:
		return []ledger.FieldChange{{Field: m.fieldID, Value: m.value}}
	}
}
