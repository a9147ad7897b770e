// Package provenance builds source-location descriptors for observed and
// derived metric values.
//
// Provenance nodes live in an arena owned by a Builder and are addressed by
// Ref handles. A derived node embeds the handles of its inputs, so a full
// lineage tree is reconstructed by traversal rather than by live pointers.
package provenance

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
)

// Kind identifies the variant of a provenance node.
type Kind uint8

// Node kinds.
const (
	KindInvalid Kind = iota
	KindCell
	KindPage
	KindDerived
)

func (k Kind) String() string {
	switch k {
	case KindCell:
		return "cell"
	case KindPage:
		return "page"
	case KindDerived:
		return "derived"
	default:
		return "invalid"
	}
}

// Ref is a handle to a node in a Builder's arena. The zero Ref is invalid.
type Ref uint32

// Valid reports whether r could address a node.
func (r Ref) Valid() bool { return r != 0 }

var (
	// ErrNoInputs is returned when a derivation is built without inputs.
	ErrNoInputs = errors.New("provenance: derived value has no tracked inputs")
	// ErrUnknownRef is returned when a handle does not belong to the arena.
	ErrUnknownRef = errors.New("provenance: unknown reference")
	// ErrUnresolvable is returned when a document location names neither a cell nor a page.
	ErrUnresolvable = errors.New("provenance: document location is neither a cell nor a page")
)

// CellLocation points at a spreadsheet cell.
type CellLocation struct {
	File      string `json:"file"`
	Sheet     string `json:"sheet"`
	Cell      string `json:"cell"`
	RowHeader string `json:"row_header,omitempty"`
	ColHeader string `json:"col_header,omitempty"`
}

// Coordinates is a bounding box on a page, in the extractor's units.
type Coordinates struct {
	X0 float64 `json:"x0"`
	Y0 float64 `json:"y0"`
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
}

// PageLocation points at a page of a paginated document, optionally narrowed
// to a table and a region.
type PageLocation struct {
	File        string       `json:"file"`
	Page        int          `json:"page"`
	TableIndex  *int         `json:"table_index,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

// Derived records the formula and the inputs a calculated value came from.
type Derived struct {
	Formula string `json:"formula"`
	Inputs  []Ref  `json:"inputs"`
}

// Node is one entry of the arena. Exactly one of Cell, Page, Derived is set,
// matching Kind.
type Node struct {
	Kind    Kind
	Cell    *CellLocation
	Page    *PageLocation
	Derived *Derived
}

// Builder constructs provenance nodes. Structurally identical nodes are
// interned to the same Ref, so rebuilding the same derivation yields the same
// handle. A Builder is safe for concurrent use.
type Builder struct {
	mu    sync.RWMutex
	nodes []Node // index 0 is the invalid sentinel
	index map[string]Ref
}

// NewBuilder creates an empty arena.
func NewBuilder() *Builder {
	return &Builder{
		nodes: make([]Node, 1, 64),
		index: make(map[string]Ref),
	}
}

// Len returns the number of nodes in the arena.
func (b *Builder) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.nodes) - 1
}

// ForCell returns a reference to a spreadsheet cell. Up to two headers may be
// given: the row header, then the column header.
func (b *Builder) ForCell(file, sheet, cell string, headers ...string) Ref {
	loc := &CellLocation{File: file, Sheet: sheet, Cell: cell}
	if len(headers) > 0 {
		loc.RowHeader = headers[0]
	}
	if len(headers) > 1 {
		loc.ColHeader = headers[1]
	}
	return b.intern(Node{Kind: KindCell, Cell: loc})
}

// PageOption narrows a page reference.
type PageOption func(*PageLocation)

// WithTable sets the table index on the page.
func WithTable(i int) PageOption {
	return func(p *PageLocation) {
		p.TableIndex = &i
	}
}

// WithCoordinates sets the bounding box on the page.
func WithCoordinates(c Coordinates) PageOption {
	return func(p *PageLocation) {
		p.Coordinates = &c
	}
}

// ForPage returns a reference to a page of a document.
func (b *Builder) ForPage(file string, page int, opts ...PageOption) Ref {
	loc := &PageLocation{File: file, Page: page}
	for _, o := range opts {
		o(loc)
	}
	return b.intern(Node{Kind: KindPage, Page: loc})
}

// ForDerivation returns a reference to a value computed by formula from
// inputs. Every input must already belong to this arena, and at least one
// input is required.
func (b *Builder) ForDerivation(formula string, inputs []Ref) (Ref, error) {
	if len(inputs) == 0 {
		return 0, eris.Wrapf(ErrNoInputs, "provenance: %s", formula)
	}
	b.mu.RLock()
	n := Ref(len(b.nodes))
	b.mu.RUnlock()
	for _, in := range inputs {
		if !in.Valid() || in >= n {
			return 0, eris.Wrapf(ErrUnknownRef, "provenance: input %d", in)
		}
	}
	cp := make([]Ref, len(inputs))
	copy(cp, inputs)
	return b.intern(Node{Kind: KindDerived, Derived: &Derived{Formula: formula, Inputs: cp}}), nil
}

// Node returns the node addressed by r.
func (b *Builder) Node(r Ref) (Node, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !r.Valid() || int(r) >= len(b.nodes) {
		return Node{}, false
	}
	return b.nodes[r], true
}

// IsComplete reports whether every leaf reachable from r is a cell or page
// location naming a file, and every derived node has at least one input.
func (b *Builder) IsComplete(r Ref) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	// Iterative DFS with colouring so a malformed arena cannot loop forever.
	const (
		white = iota
		grey
		black
	)
	colour := make(map[Ref]int)
	type frame struct {
		ref  Ref
		next int
	}
	stack := []frame{{ref: r}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next == 0 {
			if !top.ref.Valid() || int(top.ref) >= len(b.nodes) {
				return false
			}
			switch colour[top.ref] {
			case grey:
				return false
			case black:
				stack = stack[:len(stack)-1]
				continue
			}
			colour[top.ref] = grey
		}

		n := b.nodes[top.ref]
		switch n.Kind {
		case KindCell:
			if n.Cell == nil || n.Cell.File == "" || n.Cell.Cell == "" {
				return false
			}
		case KindPage:
			if n.Page == nil || n.Page.File == "" || n.Page.Page < 1 {
				return false
			}
		case KindDerived:
			if n.Derived == nil || len(n.Derived.Inputs) == 0 {
				return false
			}
			if top.next < len(n.Derived.Inputs) {
				child := n.Derived.Inputs[top.next]
				top.next++
				if colour[child] == grey {
					return false
				}
				if colour[child] == white {
					stack = append(stack, frame{ref: child})
				}
				continue
			}
		default:
			return false
		}
		colour[top.ref] = black
		stack = stack[:len(stack)-1]
	}
	return true
}

// intern stores n, or returns the existing handle of an identical node.
func (b *Builder) intern(n Node) Ref {
	key := nodeKey(n)

	b.mu.RLock()
	if r, ok := b.index[key]; ok {
		b.mu.RUnlock()
		return r
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.index[key]; ok {
		return r
	}
	r := Ref(len(b.nodes))
	b.nodes = append(b.nodes, n)
	b.index[key] = r
	return r
}

func nodeKey(n Node) string {
	var sb strings.Builder
	sb.WriteString(n.Kind.String())
	sb.WriteByte('|')
	switch n.Kind {
	case KindCell:
		c := n.Cell
		for _, s := range []string{c.File, c.Sheet, c.Cell, c.RowHeader, c.ColHeader} {
			sb.WriteString(strconv.Quote(s))
			sb.WriteByte('|')
		}
	case KindPage:
		p := n.Page
		sb.WriteString(strconv.Quote(p.File))
		sb.WriteByte('|')
		sb.WriteString(strconv.Itoa(p.Page))
		sb.WriteByte('|')
		if p.TableIndex != nil {
			sb.WriteString(strconv.Itoa(*p.TableIndex))
		}
		sb.WriteByte('|')
		if c := p.Coordinates; c != nil {
			fmt.Fprintf(&sb, "%g,%g,%g,%g", c.X0, c.Y0, c.X1, c.Y1)
		}
	case KindDerived:
		sb.WriteString(strconv.Quote(n.Derived.Formula))
		for _, in := range n.Derived.Inputs {
			sb.WriteByte('|')
			sb.WriteString(strconv.FormatUint(uint64(in), 10))
		}
	}
	return sb.String()
}
