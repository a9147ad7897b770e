package provenance

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapResolver map[string]DocumentLocation

func (m mapResolver) ResolveLocation(ref string) (DocumentLocation, error) {
	loc, ok := m[ref]
	if !ok {
		return DocumentLocation{}, errors.New("not found")
	}
	return loc, nil
}

func TestForCell_IsComplete(t *testing.T) {
	t.Parallel()
	b := NewBuilder()

	r := b.ForCell("fy24.xlsx", "P&L", "B7", "Revenue", "FY2024")
	assert.True(t, r.Valid())
	assert.True(t, b.IsComplete(r))

	n, ok := b.Node(r)
	require.True(t, ok)
	assert.Equal(t, KindCell, n.Kind)
	assert.Equal(t, "Revenue", n.Cell.RowHeader)
	assert.Equal(t, "FY2024", n.Cell.ColHeader)
}

func TestForPage_IsComplete(t *testing.T) {
	t.Parallel()
	b := NewBuilder()

	r := b.ForPage("10k.pdf", 12, WithTable(2), WithCoordinates(Coordinates{X0: 1, Y0: 2, X1: 3, Y1: 4}))
	assert.True(t, b.IsComplete(r))

	n, _ := b.Node(r)
	require.NotNil(t, n.Page.TableIndex)
	assert.Equal(t, 2, *n.Page.TableIndex)
	assert.Equal(t, "10k.pdf p.12 t2", b.Cite(r))
}

func TestIsComplete_Leaves(t *testing.T) {
	t.Parallel()
	b := NewBuilder()

	assert.False(t, b.IsComplete(0), "zero ref")
	assert.False(t, b.IsComplete(99), "ref outside arena")
	assert.False(t, b.IsComplete(b.ForCell("", "Sheet1", "A1")), "cell without file")
	assert.False(t, b.IsComplete(b.ForPage("doc.pdf", 0)), "page numbers start at 1")
}

func TestForDerivation_RequiresInputs(t *testing.T) {
	t.Parallel()
	b := NewBuilder()

	_, err := b.ForDerivation("gross_margin = revenue - cogs", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoInputs)
	assert.Contains(t, err.Error(), "provenance: gross_margin = revenue - cogs")

	_, err = b.ForDerivation("x = y", []Ref{42})
	assert.ErrorIs(t, err, ErrUnknownRef)
	assert.Contains(t, err.Error(), "provenance: input 42")
}

func TestIsComplete_DerivedWithEmptyInputs(t *testing.T) {
	t.Parallel()
	b := NewBuilder()

	// Bypass the constructor to plant a broken node.
	b.nodes = append(b.nodes, Node{Kind: KindDerived, Derived: &Derived{Formula: "x = y"}})
	broken := Ref(len(b.nodes) - 1)
	assert.False(t, b.IsComplete(broken))

	// A healthy derivation on top of a broken one is incomplete too.
	parent, err := b.ForDerivation("z = x", []Ref{broken})
	require.NoError(t, err)
	assert.False(t, b.IsComplete(parent))
}

func TestIsComplete_NestedDerivation(t *testing.T) {
	t.Parallel()
	b := NewBuilder()

	rev := b.ForCell("fy24.xlsx", "P&L", "B2")
	cogs := b.ForPage("fy24.pdf", 3, WithTable(0))
	gm, err := b.ForDerivation("gross_margin = revenue - cogs", []Ref{rev, cogs})
	require.NoError(t, err)
	pct, err := b.ForDerivation("gross_margin_pct = gross_margin / revenue * 100", []Ref{gm, rev})
	require.NoError(t, err)

	assert.True(t, b.IsComplete(pct))
	assert.Equal(t, []Ref{rev, cogs}, b.Leaves(pct))

	tree, err := b.Tree(pct)
	require.NoError(t, err)
	assert.Equal(t, "derived", tree.Kind)
	require.Len(t, tree.Inputs, 2)
	assert.Equal(t, "derived", tree.Inputs[0].Kind)
	assert.Equal(t, "cell", tree.Inputs[1].Kind)
	require.Len(t, tree.Inputs[0].Inputs, 2)
	assert.Equal(t, "page", tree.Inputs[0].Inputs[1].Kind)
}

func TestIsComplete_Cycle(t *testing.T) {
	t.Parallel()
	b := NewBuilder()

	leaf := b.ForCell("a.csv", "", "B2")
	d, err := b.ForDerivation("a = b", []Ref{leaf})
	require.NoError(t, err)
	// Point the derivation at itself; only reachable by tampering.
	b.nodes[d].Derived.Inputs = []Ref{d}

	assert.False(t, b.IsComplete(d))
	_, err = b.Tree(d)
	assert.Error(t, err)
}

func TestIntern_SameNodeSameRef(t *testing.T) {
	t.Parallel()
	b := NewBuilder()

	a := b.ForCell("f.xlsx", "S", "A1")
	c := b.ForCell("f.xlsx", "S", "A1")
	assert.Equal(t, a, c)
	assert.Equal(t, 1, b.Len())

	d1, err := b.ForDerivation("x = a", []Ref{a})
	require.NoError(t, err)
	d2, err := b.ForDerivation("x = a", []Ref{a})
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	other := b.ForCell("f.xlsx", "S", "A2")
	assert.NotEqual(t, a, other)
}

func TestCite(t *testing.T) {
	t.Parallel()
	b := NewBuilder()

	assert.Equal(t, "fy24.xlsx › P&L!B7", b.Cite(b.ForCell("fy24.xlsx", "P&L", "B7")))
	assert.Equal(t, "q.csv › B3", b.Cite(b.ForCell("q.csv", "", "B3")))
	d, err := b.ForDerivation("ebitda = operating_income + depreciation_amortization", []Ref{b.ForCell("q.csv", "", "B3")})
	require.NoError(t, err)
	assert.Equal(t, "derived: ebitda = operating_income + depreciation_amortization", b.Cite(d))
	assert.Equal(t, "unknown source", b.Cite(0))
}

func TestForDocument(t *testing.T) {
	t.Parallel()
	table := 1
	res := mapResolver{
		"doc-1#B7": {File: "fy24.xlsx", Sheet: "P&L", Cell: "B7", RowHeader: "Revenue"},
		"doc-2#p4": {File: "fy24.pdf", Page: 4, TableIndex: &table},
		"doc-3":    {File: "mystery.bin"},
	}
	b := NewBuilder()

	cell, err := b.ForDocument(res, "doc-1#B7")
	require.NoError(t, err)
	n, _ := b.Node(cell)
	assert.Equal(t, KindCell, n.Kind)

	page, err := b.ForDocument(res, "doc-2#p4")
	require.NoError(t, err)
	n, _ = b.Node(page)
	assert.Equal(t, KindPage, n.Kind)
	assert.Equal(t, 1, *n.Page.TableIndex)

	_, err = b.ForDocument(res, "doc-3")
	assert.ErrorIs(t, err, ErrUnresolvable)

	_, err = b.ForDocument(res, "missing")
	assert.Error(t, err)

	_, err = b.ForDocument(nil, "doc-1#B7")
	assert.Error(t, err)
}
