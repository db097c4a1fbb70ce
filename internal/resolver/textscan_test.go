package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const proxyText = `Results
Mountain Dental Care
4.8 (212) · Dentist · Open
Summit Dental
4.1 (9) · Dentist`

func TestScanText_Strong2(t *testing.T) {
	hit, pass := scan(proxyText, "Mountain Dental Care")
	require.NotNil(t, hit)
	assert.Equal(t, passStrong2, pass)
	assert.InDelta(t, 4.8, hit.tuple.Rating, 0.001)
	assert.Equal(t, 212, hit.tuple.Count)
	assert.Equal(t, "Mountain Dental Care", hit.context)
}

func TestScanText_Strong1(t *testing.T) {
	hit, pass := scan(proxyText, "Summit Orthodontics")
	require.NotNil(t, hit)
	assert.Equal(t, passStrong1, pass)
	assert.Equal(t, 9, hit.tuple.Count)
}

func scan(text, company string) (*textHit, string) {
	return scanText(text, Tokens(company), looseTokens(company))
}

func TestScanText_AnyPassMatchesShortToken(t *testing.T) {
	// "JB" is dropped from the strong tokens but still identifies the lone listing.
	hit, pass := scan("Results\nJB's Kitchen\n4.4 (31) · Restaurant", "JB Consulting Partners")
	require.NotNil(t, hit)
	assert.Equal(t, passAny, pass)
	assert.Equal(t, 31, hit.tuple.Count)
}

func TestScanText_RejectsTupleWithoutOverlap(t *testing.T) {
	hit, pass := scan("Results\nJoe's Diner\n4.4 (31) · Restaurant", "Zed Consulting")
	assert.Nil(t, hit)
	assert.Empty(t, pass)

	hit, _ = scan(proxyText, "Unrelated Name")
	assert.Nil(t, hit)
}

func TestScanText_AnyPassNeedsSingleTuple(t *testing.T) {
	text := "JB's Kitchen\n4.4 (31)\nOther Place\n3.9 (12)"
	hit, _ := scan(text, "JB Consulting Partners")
	assert.Nil(t, hit)
}

func TestLooseTokens(t *testing.T) {
	assert.Equal(t, []string{"jb", "consulting", "partners"}, looseTokens("JB Consulting Partners LLC"))
	assert.Nil(t, looseTokens("The Co"))
}

func TestScanText_SameLineContext(t *testing.T) {
	hit, pass := scan("Harbor Plumbing Co · 4.7 (86)", "Harbor Plumbing")
	require.NotNil(t, hit)
	assert.Equal(t, passStrong2, pass)
	assert.Equal(t, 86, hit.tuple.Count)
}

func TestScanText_NoTuples(t *testing.T) {
	hit, pass := scan("no ratings here", "Alpine Roofing")
	assert.Nil(t, hit)
	assert.Empty(t, pass)
}

func TestContextLine_SkipsBlankLines(t *testing.T) {
	text := "Alpine Roofing\n\n   \n4.6 (128)"
	assert.Equal(t, "Alpine Roofing", contextLine(text, len(text)-len("4.6 (128)")))
	assert.Equal(t, "", contextLine("4.6 (128)", 0))
}
