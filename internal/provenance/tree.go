package provenance

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Location is the self-contained, recursive form of a provenance node, used
// for outbound payloads where arena handles mean nothing.
type Location struct {
	Kind    string        `json:"kind"`
	Cell    *CellLocation `json:"cell,omitempty"`
	Page    *PageLocation `json:"page,omitempty"`
	Formula string        `json:"formula,omitempty"`
	Inputs  []*Location   `json:"inputs,omitempty"`
}

// Tree reconstructs the full provenance tree rooted at r.
func (b *Builder) Tree(r Ref) (*Location, error) {
	return b.tree(r, make(map[Ref]bool))
}

func (b *Builder) tree(r Ref, onPath map[Ref]bool) (*Location, error) {
	n, ok := b.Node(r)
	if !ok {
		return nil, eris.Wrapf(ErrUnknownRef, "provenance: tree %d", r)
	}
	if onPath[r] {
		return nil, eris.Errorf("provenance: cycle at %d", r)
	}

	loc := &Location{Kind: n.Kind.String()}
	switch n.Kind {
	case KindCell:
		c := *n.Cell
		loc.Cell = &c
	case KindPage:
		p := *n.Page
		loc.Page = &p
	case KindDerived:
		onPath[r] = true
		loc.Formula = n.Derived.Formula
		for _, in := range n.Derived.Inputs {
			child, err := b.tree(in, onPath)
			if err != nil {
				return nil, err
			}
			loc.Inputs = append(loc.Inputs, child)
		}
		delete(onPath, r)
	}
	return loc, nil
}

// Leaves returns the observed locations a value ultimately rests on, in
// depth-first order without duplicates.
func (b *Builder) Leaves(r Ref) []Ref {
	var out []Ref
	seen := make(map[Ref]bool)
	var walk func(Ref)
	walk = func(ref Ref) {
		if seen[ref] {
			return
		}
		seen[ref] = true
		n, ok := b.Node(ref)
		if !ok {
			return
		}
		if n.Kind == KindDerived {
			for _, in := range n.Derived.Inputs {
				walk(in)
			}
			return
		}
		out = append(out, ref)
	}
	walk(r)
	return out
}

// Cite renders a one-line human-readable citation for r.
func (b *Builder) Cite(r Ref) string {
	n, ok := b.Node(r)
	if !ok {
		return "unknown source"
	}
	switch n.Kind {
	case KindCell:
		c := n.Cell
		if c.Sheet == "" {
			return fmt.Sprintf("%s › %s", c.File, c.Cell)
		}
		return fmt.Sprintf("%s › %s!%s", c.File, c.Sheet, c.Cell)
	case KindPage:
		p := n.Page
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s p.%d", p.File, p.Page)
		if p.TableIndex != nil {
			fmt.Fprintf(&sb, " t%d", *p.TableIndex)
		}
		return sb.String()
	case KindDerived:
		return "derived: " + n.Derived.Formula
	default:
		return "unknown source"
	}
}

// DocumentLocation is what the extraction collaborator knows about where a
// raw observation came from. A location with Page > 0 is paginated; otherwise
// Cell must be set.
type DocumentLocation struct {
	File        string       `json:"file"`
	Sheet       string       `json:"sheet,omitempty"`
	Cell        string       `json:"cell,omitempty"`
	RowHeader   string       `json:"row_header,omitempty"`
	ColHeader   string       `json:"col_header,omitempty"`
	Page        int          `json:"page,omitempty"`
	TableIndex  *int         `json:"table_index,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

// LocationResolver turns an opaque document handle into a citation.
type LocationResolver interface {
	ResolveLocation(documentRef string) (DocumentLocation, error)
}

// ForDocument resolves documentRef through res and builds the matching cell
// or page reference.
func (b *Builder) ForDocument(res LocationResolver, documentRef string) (Ref, error) {
	if res == nil {
		return 0, eris.New("provenance: no location resolver")
	}
	loc, err := res.ResolveLocation(documentRef)
	if err != nil {
		return 0, eris.Wrapf(err, "provenance: resolve %q", documentRef)
	}
	switch {
	case loc.Page > 0:
		var opts []PageOption
		if loc.TableIndex != nil {
			opts = append(opts, WithTable(*loc.TableIndex))
		}
		if loc.Coordinates != nil {
			opts = append(opts, WithCoordinates(*loc.Coordinates))
		}
		return b.ForPage(loc.File, loc.Page, opts...), nil
	case loc.Cell != "":
		return b.ForCell(loc.File, loc.Sheet, loc.Cell, loc.RowHeader, loc.ColHeader), nil
	default:
		return 0, eris.Wrapf(ErrUnresolvable, "provenance: %q", documentRef)
	}
}
