// Package testpdf builds small, valid PDF documents for tests.
package testpdf

import (
	"bytes"
	"fmt"
	"strings"
)

// Page describes one page of a generated document.
type Page struct {
	// MediaBox defaults to US Letter.
	MediaBox [4]float64
	CropBox  *[4]float64
	Rotate   int
	// Text is drawn in Helvetica near the top of the page when set.
	Text string
}

// Letter is a plain portrait US Letter page.
var Letter = Page{MediaBox: [4]float64{0, 0, 612, 792}}

// Tree holds attributes set on the page tree node and inherited by every
// page that does not override them.
type Tree struct {
	CropBox *[4]float64
	Rotate  int
}

// Build returns a complete PDF with the given pages and a correct xref table.
func Build(pages ...Page) []byte {
	return BuildTree(Tree{}, pages...)
}

// BuildTree is Build with inheritable attributes on the page tree node.
func BuildTree(tree Tree, pages ...Page) []byte {
	if len(pages) == 0 {
		pages = []Page{Letter}
	}
	var objects []string
	kids := make([]string, len(pages))
	// 1 catalog, 2 page tree, 3 font, then page and content pairs
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", 4+2*i)
	}
	root := fmt.Sprintf("/Type /Pages /Kids [%s] /Count %d", strings.Join(kids, " "), len(pages))
	if c := tree.CropBox; c != nil {
		root += fmt.Sprintf(" /CropBox [%g %g %g %g]", c[0], c[1], c[2], c[3])
	}
	if tree.Rotate != 0 {
		root += fmt.Sprintf(" /Rotate %d", tree.Rotate)
	}
	objects = append(objects,
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< "+root+" >>",
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
	)
	for i, p := range pages {
		box := p.MediaBox
		if box == [4]float64{} {
			box = Letter.MediaBox
		}
		page := fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [%g %g %g %g] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R",
			box[0], box[1], box[2], box[3], 5+2*i)
		if p.CropBox != nil {
			c := *p.CropBox
			page += fmt.Sprintf(" /CropBox [%g %g %g %g]", c[0], c[1], c[2], c[3])
		}
		if p.Rotate != 0 {
			page += fmt.Sprintf(" /Rotate %d", p.Rotate)
		}
		page += " >>"

		content := "0 0 1 RG 2 w 72 72 m 200 200 l S"
		if p.Text != "" {
			content = fmt.Sprintf("BT /F1 18 Tf %g %g Td (%s) Tj ET", box[0]+72, box[3]-96, escape(p.Text))
		}
		stream := fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content)
		objects = append(objects, page, stream)
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n%\xE2\xE3\xCF\xD3\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func escape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`)
	return r.Replace(s)
}
