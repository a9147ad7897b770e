package formula

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Canonical(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"revenue - cogs", "revenue - cogs"},
		{"revenue-cogs", "revenue - cogs"},
		{"(revenue - cogs) / revenue * 100", "(revenue - cogs) / revenue * 100"},
		{"a - (b - c)", "a - (b - c)"},
		{"a - b - c", "a - b - c"},
		{"a + b * c", "a + b * c"},
		{"(a + b) * c", "(a + b) * c"},
		{"-a + b", "-a + b"},
		{"-(a + b)", "-(a + b)"},
		{"{Total Revenue} - cogs", "{Total Revenue} - cogs"},
		{"cfo + cfi + cff", "cfo + cfi + cff"},
		{"accounts_receivable / revenue * 365", "accounts_receivable / revenue * 365"},
		{"net_income / 0.5", "net_income / 0.5"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			e, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, e.String())

			again, err := Parse(e.String())
			require.NoError(t, err)
			assert.Equal(t, e, again)
		})
	}
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"",
		"revenue -",
		"(revenue - cogs",
		"revenue cogs",
		"revenue % cogs",
		"{unterminated",
		"{} + a",
		"1 + 2",
		"1..2 * a",
	} {
		_, err := Parse(in)
		assert.ErrorIs(t, err, ErrSyntax, in)
	}
}

func TestExpr_Operands(t *testing.T) {
	t.Parallel()

	e, err := Parse("(revenue - cogs) / revenue + {Other Income}")
	require.NoError(t, err)
	assert.Equal(t, []string{"revenue", "cogs", "Other Income"}, e.Operands())
	assert.Equal(t, []string{"Other Income"}, e.FreeTextOperands())
}

func TestExpr_Eval(t *testing.T) {
	t.Parallel()

	env := map[string]float64{"revenue": 1000, "cogs": 600, "zero": 0}

	tests := []struct {
		in      string
		want    float64
		wantErr error
	}{
		{"revenue - cogs", 400, nil},
		{"(revenue - cogs) / revenue * 100", 40, nil},
		{"-cogs", -600, nil},
		{"revenue / zero", 0, ErrDivisionByZero},
		{"revenue - missing", 0, ErrUnboundOperand},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			e, err := Parse(tt.in)
			require.NoError(t, err)
			got, err := e.Eval(env)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestExpr_EvalNonFinite(t *testing.T) {
	t.Parallel()

	e, err := Parse("a * b")
	require.NoError(t, err)
	_, err = e.Eval(map[string]float64{"a": 1e308, "b": 1e308})
	assert.ErrorIs(t, err, ErrNonFinite)
}

func TestExpr_Substitute(t *testing.T) {
	t.Parallel()

	e, err := Parse("revenue - cogs")
	require.NoError(t, err)
	assert.Equal(t, "1000 - 600", e.Substitute(map[string]float64{"revenue": 1000, "cogs": 600}))
	assert.Equal(t, "1000 - (-25.5)", e.Substitute(map[string]float64{"revenue": 1000, "cogs": -25.5}))
	assert.Equal(t, "1000 - cogs", e.Substitute(map[string]float64{"revenue": 1000}))
}

func TestExpr_Rename(t *testing.T) {
	t.Parallel()

	e, err := Parse("{Total Revenue} - cogs")
	require.NoError(t, err)

	renamed := e.Rename(func(name string, freeText bool) string {
		if freeText {
			return "revenue"
		}
		return name
	})
	assert.Equal(t, "revenue - cogs", renamed.String())
	assert.Empty(t, renamed.FreeTextOperands())
	assert.Equal(t, "{Total Revenue} - cogs", e.String(), "original untouched")
}

func TestIsIdent(t *testing.T) {
	t.Parallel()

	assert.True(t, IsIdent("gross_margin"))
	assert.True(t, IsIdent("_x1"))
	assert.False(t, IsIdent("1x"))
	assert.False(t, IsIdent("total revenue"))
	assert.False(t, IsIdent(""))
}
