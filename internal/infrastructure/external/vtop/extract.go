package vtop

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ══════════════════════════════════════════════════════════════════════════════
// GENERIC EXTRACTORS
// ══════════════════════════════════════════════════════════════════════════════

// Table is an HTML table flattened to text cells.
type Table struct {
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

// Semester is one entry of the portal's semester selector.
type Semester struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func parse(body []byte) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(bytes.NewReader(body))
}

// Tables returns every non-empty table of the page. Header cells come from the first row
// made only of th cells; every row with td cells becomes a data row.
func Tables(body []byte) ([]Table, error) {
	doc, err := parse(body)
	if err != nil {
		return nil, err
	}

	tables := []Table{}
	doc.Find("table").Each(func(_ int, tbl *goquery.Selection) {
		var t Table
		// Nested tables are reported on their own.
		tbl.Find("tr").FilterFunction(func(_ int, tr *goquery.Selection) bool {
			return tr.Closest("table").IsSelection(tbl)
		}).Each(func(_ int, tr *goquery.Selection) {
			cells := tr.ChildrenFiltered("th, td")
			if cells.Length() == 0 {
				return
			}
			if t.Headers == nil && cells.Filter("td").Length() == 0 {
				t.Headers = cellTexts(cells)
				return
			}
			t.Rows = append(t.Rows, cellTexts(cells))
		})
		if len(t.Headers) > 0 || len(t.Rows) > 0 {
			if t.Rows == nil {
				t.Rows = [][]string{}
			}
			tables = append(tables, t)
		}
	})
	return tables, nil
}

// KeyValues collects label/value pairs from two-cell table rows and definition lists.
// The first occurrence of a label wins.
func KeyValues(body []byte) (map[string]string, error) {
	doc, err := parse(body)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string)
	put := func(k, v string) {
		k = strings.TrimSuffix(k, ":")
		k = strings.TrimSpace(k)
		if k == "" {
			return
		}
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}

	doc.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		cells := tr.ChildrenFiltered("th, td")
		if cells.Length() != 2 {
			return
		}
		put(text(cells.Eq(0)), text(cells.Eq(1)))
	})
	doc.Find("dl dt").Each(func(_ int, dt *goquery.Selection) {
		put(text(dt), text(dt.NextFiltered("dd")))
	})
	return out, nil
}

// SemesterOptions lists the semesters offered by the semester selector.
func SemesterOptions(body []byte) ([]Semester, error) {
	doc, err := parse(body)
	if err != nil {
		return nil, err
	}

	semesters := []Semester{}
	doc.Find("select#semesterSubId option, select[name='semesterSubId'] option").Each(func(_ int, opt *goquery.Selection) {
		id := strings.TrimSpace(opt.AttrOr("value", ""))
		if id == "" {
			return
		}
		for _, s := range semesters {
			if s.ID == id {
				return
			}
		}
		semesters = append(semesters, Semester{ID: id, Name: text(opt)})
	})
	return semesters, nil
}

func cellTexts(cells *goquery.Selection) []string {
	out := make([]string, 0, cells.Length())
	cells.Each(func(_ int, c *goquery.Selection) {
		out = append(out, text(c))
	})
	return out
}

// text returns the selection's text with runs of whitespace collapsed.
func text(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.Text()), " ")
}
