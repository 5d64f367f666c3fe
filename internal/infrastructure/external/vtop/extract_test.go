package vtop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTables(t *testing.T) {
	html := `<table>
		<tr><th>Course</th><th> Attended </th></tr>
		<tr><td>CSE1001</td><td>40</td></tr>
		<tr><td>MAT2002</td><td>
			38
		</td></tr>
	</table>
	<table><tr><td>only</td><td>data</td></tr></table>
	<table></table>`

	tables, err := Tables([]byte(html))
	require.NoError(t, err)
	require.Len(t, tables, 2)

	assert.Equal(t, []string{"Course", "Attended"}, tables[0].Headers)
	assert.Equal(t, [][]string{{"CSE1001", "40"}, {"MAT2002", "38"}}, tables[0].Rows)

	assert.Nil(t, tables[1].Headers)
	assert.Equal(t, [][]string{{"only", "data"}}, tables[1].Rows)
}

func TestTables_Nested(t *testing.T) {
	html := `<table><tr><td>outer</td><td><table><tr><td>inner</td></tr></table></td></tr></table>`
	tables, err := Tables([]byte(html))
	require.NoError(t, err)
	require.Len(t, tables, 2)
	assert.Len(t, tables[0].Rows, 1)
	assert.Equal(t, [][]string{{"inner"}}, tables[1].Rows)
}

func TestKeyValues(t *testing.T) {
	html := `<table>
		<tr><td>Name:</td><td>Ada  Lovelace</td></tr>
		<tr><td>Program</td><td>B.Tech</td></tr>
		<tr><td>Three</td><td>cells</td><td>ignored</td></tr>
		<tr><td>Name</td><td>duplicate</td></tr>
	</table>
	<dl><dt>Hostel</dt><dd>Block A</dd></dl>`

	kv, err := KeyValues([]byte(html))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"Name":    "Ada Lovelace",
		"Program": "B.Tech",
		"Hostel":  "Block A",
	}, kv)
}

func TestSemesterOptions(t *testing.T) {
	html := `<select id="semesterSubId" name="semesterSubId">
		<option value="">-- Choose Semester --</option>
		<option value="VL20242505">Winter Semester 2024-25</option>
		<option value="VL20242501">Fall Semester 2024-25</option>
		<option value="VL20242501">Fall Semester 2024-25</option>
	</select>`

	sems, err := SemesterOptions([]byte(html))
	require.NoError(t, err)
	assert.Equal(t, []Semester{
		{ID: "VL20242505", Name: "Winter Semester 2024-25"},
		{ID: "VL20242501", Name: "Fall Semester 2024-25"},
	}, sems)

	none, err := SemesterOptions([]byte(`<p>nothing</p>`))
	require.NoError(t, err)
	assert.Empty(t, none)
}
