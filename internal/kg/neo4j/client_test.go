package neo4j

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentParams(t *testing.T) {
	params := documentParams("/kb", []Document{
		{Path: "/kb/cases/a.txt", Extension: ".txt", Type: "case", CaseType: "民事案件", Year: "2023", Characters: 42},
		{Path: "/kb/b.md", Name: "custom"},
	})
	require.Len(t, params, 2)

	assert.Equal(t, "a.txt", params[0]["name"], "name defaults to the base name")
	assert.Equal(t, "民事案件", params[0]["case_type"])
	assert.Equal(t, int64(42), params[0]["characters"])
	assert.Equal(t, "/kb", params[0]["kb"])
	assert.Equal(t, "", params[0]["region"])
	assert.Equal(t, "custom", params[1]["name"])
}
