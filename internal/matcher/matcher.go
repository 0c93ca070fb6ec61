// Package matcher resolves extracted identifiers against a registry snapshot.
package matcher

import (
	"strings"

	"github.com/feichai0017/document-reconciler/internal/extractor"
	"github.com/feichai0017/document-reconciler/internal/models"
)

// Index is an identifier-keyed, read-only view of the registry.
type Index struct {
	byID map[string]models.Customer
}

// New builds the index. Customers without an identifier are skipped; on a
// duplicate identifier the first customer wins.
func New(customers []models.Customer) *Index {
	idx := &Index{byID: make(map[string]models.Customer, len(customers))}
	for _, c := range customers {
		key := Normalize(c.NationalID)
		if key == "" {
			continue
		}
		if _, ok := idx.byID[key]; !ok {
			idx.byID[key] = c
		}
	}
	return idx
}

// Match looks up one identifier.
func (i *Index) Match(identifier string) (models.Customer, bool) {
	if i == nil {
		return models.Customer{}, false
	}
	c, ok := i.byID[Normalize(identifier)]
	return c, ok
}

// Len returns the number of indexed identifiers.
func (i *Index) Len() int {
	if i == nil {
		return 0
	}
	return len(i.byID)
}

// Normalize strips whitespace and separators and converts Arabic-Indic digits.
func Normalize(identifier string) string {
	identifier = extractor.NormalizeDigits(identifier)
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '-', '.', '/':
			return -1
		}
		return r
	}, strings.TrimSpace(identifier))
}
