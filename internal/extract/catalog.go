// Package extract reads raw financial observations from source documents
// (CSV, XLSX, XBRL company facts, JSON extraction files) and records where
// each value was found.
package extract

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/finmetrics/internal/provenance"
)

// ErrUnknownDocument is returned when a document reference was never
// registered.
var ErrUnknownDocument = errors.New("extract: unknown document reference")

// Catalog maps opaque document references to source locations. It is the
// location resolver the pipeline cites observations through, and is safe
// for concurrent use.
type Catalog struct {
	mu   sync.RWMutex
	docs map[string]provenance.DocumentLocation
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{docs: make(map[string]provenance.DocumentLocation)}
}

// Add registers loc under a reference derived from its coordinates and
// returns that reference.
func (c *Catalog) Add(loc provenance.DocumentLocation) string {
	ref := RefFor(loc)
	c.Put(ref, loc)
	return ref
}

// Put registers loc under ref, replacing any previous location.
func (c *Catalog) Put(ref string, loc provenance.DocumentLocation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs[ref] = loc
}

// ResolveLocation implements provenance.LocationResolver.
func (c *Catalog) ResolveLocation(ref string) (provenance.DocumentLocation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	loc, ok := c.docs[ref]
	if !ok {
		return provenance.DocumentLocation{}, eris.Wrapf(ErrUnknownDocument, "extract: %q", ref)
	}
	return loc, nil
}

// Len returns the number of registered references.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}

// Refs returns every registered reference, sorted.
func (c *Catalog) Refs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.docs))
	for ref := range c.docs {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}

// RefFor builds the canonical reference of a location:
// "file#sheet!B7", "file#B7" or "file#p12" with an optional ".t2" table suffix.
func RefFor(loc provenance.DocumentLocation) string {
	switch {
	case loc.Page > 0:
		ref := fmt.Sprintf("%s#p%d", loc.File, loc.Page)
		if loc.TableIndex != nil {
			ref += fmt.Sprintf(".t%d", *loc.TableIndex)
		}
		return ref
	case loc.Sheet != "":
		return loc.File + "#" + loc.Sheet + "!" + loc.Cell
	default:
		return loc.File + "#" + loc.Cell
	}
}
