package mssql

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuoteIdentifier(t *testing.T) {
	d := &Dialect{}
	assert.Equal(t, "[id]", d.QuoteIdentifier("id"))
	assert.Equal(t, "[we]]ird]", d.QuoteIdentifier("we]ird"))
}

func TestHashExprUsesHashbytes(t *testing.T) {
	d := &Dialect{}
	assert.Equal(t, "CONVERT(VARCHAR(32), HASHBYTES('MD5', x), 2)", d.HashExpr("x"))
}

func TestConcatExprUsesPlus(t *testing.T) {
	d := &Dialect{}
	assert.Equal(t, "a + '\x1f' + b", d.ConcatExpr([]string{"a", "b"}, "\x1f"))
}

func TestIsDistinctFromAvoidsNewSyntax(t *testing.T) {
	d := &Dialect{}
	got := d.IsDistinctFrom("a", "b")
	assert.NotContains(t, got, "IS DISTINCT FROM")
	assert.Contains(t, got, "CASE WHEN")
}

func TestSupportsFullOuterJoin(t *testing.T) {
	d := &Dialect{}
	assert.True(t, d.SupportsFullOuterJoin())
}

func TestTimeTravelClause(t *testing.T) {
	d := &Dialect{}
	assert.Equal(t, "", d.TimeTravelClause(""))
	assert.Equal(t, "FOR SYSTEM_TIME AS OF '2024-01-01'", d.TimeTravelClause("2024-01-01"))
}

func TestMaterializeStatementUsesSelectInto(t *testing.T) {
	d := &Dialect{}
	assert.Equal(t, "SELECT * INTO [diff_out] FROM (SELECT 1) rowdiff_materialize",
		d.MaterializeStatement([]string{"diff_out"}, "SELECT 1"))
}
