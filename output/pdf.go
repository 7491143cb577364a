package output

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"hashsentry/scanner"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// A4 geometry in points with the origin at the lower left corner.
const (
	pdfPaper       = "A4"
	pdfPageWidth   = 595.0
	pdfMarginX     = 40.0
	pdfTopY        = 800.0
	pdfBottomY     = 60.0
	pdfFooterY     = 30.0
	pdfLineHeight  = 13.0
	pdfSecondColX  = 400.0
	pdfPathChars   = 70
	pdfColumnChars = 30
)

var (
	pdfBody    = pdfFont{Name: "Helvetica", Size: 9}
	pdfBold    = pdfFont{Name: "Helvetica-Bold", Size: 9}
	pdfSection = pdfFont{Name: "Helvetica-Bold", Size: 13}
	pdfTitle   = pdfFont{Name: "Helvetica-Bold", Size: 18}
	pdfMono    = pdfFont{Name: "Courier", Size: 7}
)

var pdfConfigOnce sync.Once

type pdfFont struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

type pdfText struct {
	Value string     `json:"value"`
	Pos   [2]float64 `json:"pos"`
	Font  pdfFont    `json:"font"`
}

type pdfContent struct {
	Text []pdfText `json:"text"`
}

type pdfPage struct {
	Content pdfContent `json:"content"`
}

type pdfDocument struct {
	Paper string             `json:"paper"`
	Pages map[string]pdfPage `json:"pages"`
}

// pdfLayout places text lines top to bottom and starts a new page when the
// bottom margin is reached.
type pdfLayout struct {
	pages  []pdfPage
	y      float64
	header func()
}

func (l *pdfLayout) newPage() {
	l.pages = append(l.pages, pdfPage{})
	l.y = pdfTopY
	if l.header != nil {
		l.header()
	}
}

func (l *pdfLayout) text(x float64, value string, font pdfFont) {
	page := &l.pages[len(l.pages)-1]
	page.Content.Text = append(page.Content.Text, pdfText{Value: pdfSafe(value), Pos: [2]float64{x, l.y}, Font: font})
}

func (l *pdfLayout) advance(lines int) {
	l.y -= float64(lines) * pdfLineHeight
}

// reserve starts a new page unless lines more lines fit on the current one.
func (l *pdfLayout) reserve(lines int) {
	if l.y-float64(lines)*pdfLineHeight < pdfBottomY {
		l.newPage()
	}
}

// buildPDFDocument lays out the detection report: a summary block, then a
// Malware table and a Skipped table with one row per record.
func buildPDFDocument(res *scanner.Result, generated time.Time) pdfDocument {
	l := &pdfLayout{}
	l.newPage()

	l.text(pdfMarginX, "hashsentry detection report", pdfTitle)
	l.text(pdfSecondColX+60, generated.UTC().Format("2006-01-02 15:04 UTC"), pdfBody)
	l.advance(2)
	l.text(pdfMarginX, fmt.Sprintf("Found %d malware | Skipped %d files | Scanned %d files",
		len(res.Dirty), len(res.Errors), res.FilesScanned), pdfFont{Name: "Helvetica", Size: 11})
	l.advance(1)
	l.text(pdfMarginX, "Root: "+res.Root, pdfBody)
	l.advance(1)
	l.text(pdfMarginX, fmt.Sprintf("Scan %s | %s | database v%d (%s) | %s",
		res.ID, res.State, res.DatabaseVersion, res.Algorithm, res.Duration().Round(time.Millisecond)), pdfBody)
	l.advance(2)

	if len(res.Dirty) == 0 && len(res.Errors) == 0 {
		l.text(pdfMarginX, "No malware detected", pdfSection)
		l.advance(2)
		l.text(pdfMarginX, "No files skipped", pdfSection)
		return finishPDF(l)
	}

	if len(res.Dirty) == 0 {
		l.text(pdfMarginX, "No malware detected", pdfSection)
		l.advance(2)
	} else {
		pdfTable(l, "Malware", "Signature", res.Dirty, func(rec scanner.FileRecord) (string, string) {
			detail := rec.VirusTotalURL
			if detail == "" {
				detail = rec.Hash
			}
			label := rec.Label
			if label == "" {
				label = "(unlabeled)"
			}
			return label, detail
		})
	}

	if len(res.Errors) == 0 {
		l.reserve(2)
		l.text(pdfMarginX, "No files skipped", pdfSection)
		l.advance(2)
	} else {
		pdfTable(l, "Skipped", "Reason", res.Errors, func(rec scanner.FileRecord) (string, string) {
			return fmt.Sprintf("%s: %s", rec.ErrorKind, rec.Error), ""
		})
	}
	return finishPDF(l)
}

// pdfTable writes a titled two-column table. Long paths wrap in the first
// column; the second column is truncated. A non-empty detail is printed in a
// small monospace line below the row.
func pdfTable(l *pdfLayout, title, column string, records []scanner.FileRecord, cells func(scanner.FileRecord) (string, string)) {
	columnHeader := func() {
		l.text(pdfMarginX, "File", pdfBold)
		l.text(pdfSecondColX, column, pdfBold)
		l.advance(1)
	}

	l.reserve(4)
	l.text(pdfMarginX, title, pdfSection)
	l.advance(2)
	columnHeader()

	l.header = columnHeader
	defer func() { l.header = nil }()

	for _, rec := range records {
		second, detail := cells(rec)
		pathLines := wrapRunes(rec.Path, pdfPathChars)
		lines := len(pathLines)
		if detail != "" {
			lines++
		}
		l.reserve(lines)
		l.text(pdfSecondColX, truncateRunes(second, pdfColumnChars), pdfBody)
		for _, line := range pathLines {
			l.text(pdfMarginX, line, pdfBody)
			l.advance(1)
		}
		if detail != "" {
			l.text(pdfMarginX, detail, pdfMono)
			l.advance(1)
		}
	}
	l.advance(1)
}

func finishPDF(l *pdfLayout) pdfDocument {
	doc := pdfDocument{Paper: pdfPaper, Pages: make(map[string]pdfPage, len(l.pages))}
	for i, page := range l.pages {
		page.Content.Text = append(page.Content.Text, pdfText{
			Value: fmt.Sprintf("%d / %d", i+1, len(l.pages)),
			Pos:   [2]float64{pdfPageWidth/2 - 10, pdfFooterY},
			Font:  pdfBody,
		})
		doc.Pages[strconv.Itoa(i+1)] = page
	}
	return doc
}

// writePDF renders the report for res into w.
func writePDF(w io.Writer, res *scanner.Result, generated time.Time) error {
	pdfConfigOnce.Do(api.DisableConfigDir)

	description, err := jsonMarshal(buildPDFDocument(res, generated))
	if err != nil {
		return err
	}
	if err := api.Create(nil, bytes.NewReader(description), w, nil); err != nil {
		return fmt.Errorf("render pdf: %w", err)
	}
	return nil
}

// pdfSafe keeps printable ASCII; the standard fonts carry no other glyphs.
func pdfSafe(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e {
			return '?'
		}
		return r
	}, s)
}

func wrapRunes(s string, width int) []string {
	runes := []rune(s)
	if len(runes) == 0 {
		return []string{""}
	}
	var lines []string
	for len(runes) > width {
		lines = append(lines, string(runes[:width]))
		runes = runes[width:]
	}
	return append(lines, string(runes))
}

func truncateRunes(s string, width int) string {
	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	return string(runes[:width-3]) + "..."
}
