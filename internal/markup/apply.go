package markup

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"github.com/rs/zerolog/log"

	"github.com/local/pidly/internal/metrics"
	"github.com/local/pidly/internal/pdfops"
)

// ParseMode maps an API value to a Mode; empty means annotate.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeAnnotate:
		return ModeAnnotate, nil
	case ModeFlatten:
		return ModeFlatten, nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrInvalid, s)
}

// Apply writes markups, keyed by 1-based page number, into the PDF and
// returns the new document. Markups that fail validation are skipped and
// listed in the report; a page number outside the document fails the
// whole call with pdfops.ErrPageRange.
func Apply(pdf []byte, markups map[int][]Markup, mode Mode) ([]byte, Report, error) {
	var report Report
	mode, err := ParseMode(string(mode))
	if err != nil {
		return nil, report, err
	}
	doc, err := pdfops.Open(pdf)
	if err != nil {
		return nil, report, err
	}

	pages := make([]int, 0, len(markups))
	for p := range markups {
		if p < 1 || p > doc.PageCount() {
			return nil, report, fmt.Errorf("%w: page %d of %d", pdfops.ErrPageRange, p, doc.PageCount())
		}
		pages = append(pages, p)
	}
	sort.Ints(pages)

	w := &writer{doc: doc, now: time.Now()}
	for _, n := range pages {
		page, err := doc.Page(n)
		if err != nil {
			return nil, report, err
		}
		g := NewPageGeometry(page.Geometry.Box, page.Geometry.Rotate)

		var done []placed
		for i, m := range markups[n] {
			r, err := Render(m, g)
			if err != nil {
				log.Debug().Err(err).Int("page", n).Int("index", i).Str("type", string(m.Type)).Msg("markup skipped")
				report.Skipped = append(report.Skipped, Skipped{Page: n, Index: i, ID: m.ID, Reason: err.Error()})
				continue
			}
			metrics.IncMarkupRendered(string(m.Type))
			done = append(done, placed{m: m, r: r})
		}
		if len(done) == 0 {
			continue
		}
		if mode == ModeFlatten {
			err = w.flatten(page, done)
		} else {
			err = w.annotate(page, done)
		}
		if err != nil {
			return nil, report, fmt.Errorf("page %d: %w", n, err)
		}
		report.Applied += len(done)
	}

	out, err := doc.Bytes()
	if err != nil {
		return nil, report, err
	}
	return out, report, nil
}

type placed struct {
	m Markup
	r Rendered
}

// writer adds appearance objects to a document, sharing the font.
type writer struct {
	doc  *pdfops.Document
	font *types.IndirectRef
	now  time.Time
	seq  int
}

func (w *writer) helvetica() (*types.IndirectRef, error) {
	if w.font != nil {
		return w.font, nil
	}
	ref, err := w.doc.NewObject(types.Dict{
		"Type":     types.Name("Font"),
		"Subtype":  types.Name("Type1"),
		"BaseFont": types.Name("Helvetica"),
		"Encoding": types.Name("WinAnsiEncoding"),
	})
	if err != nil {
		return nil, err
	}
	w.font = ref
	return ref, nil
}

// form stores the appearance of r as a form XObject.
func (w *writer) form(r Rendered, flat bool) (*types.IndirectRef, error) {
	res := types.Dict{}
	if r.UsesFont {
		font, err := w.helvetica()
		if err != nil {
			return nil, err
		}
		res["Font"] = types.Dict{"Helv": *font}
	}
	content := r.Content
	if flat && r.Flat != nil {
		content = r.Flat
	}
	if r.GState != nil {
		gs := types.Dict{
			"Type": types.Name("ExtGState"),
			"CA":   types.Float(r.GState.StrokeAlpha),
			"ca":   types.Float(r.GState.FillAlpha),
		}
		if r.GState.Blend != "" {
			gs["BM"] = types.Name(r.GState.Blend)
		}
		res["ExtGState"] = types.Dict{"GS0": gs}
	}
	if r.Image != nil {
		img, err := w.doc.NewStream(types.Dict{
			"Type":             types.Name("XObject"),
			"Subtype":          types.Name("Image"),
			"Width":            types.Integer(r.Image.Width),
			"Height":           types.Integer(r.Image.Height),
			"ColorSpace":       types.Name("DeviceRGB"),
			"BitsPerComponent": types.Integer(8),
			"Filter":           types.Name("DCTDecode"),
		}, r.Image.JPEG)
		if err != nil {
			return nil, err
		}
		res["XObject"] = types.Dict{"Im0": *img}
	}
	return w.doc.NewStream(types.Dict{
		"Type":      types.Name("XObject"),
		"Subtype":   types.Name("Form"),
		"FormType":  types.Integer(1),
		"BBox":      rectObject(r.Rect),
		"Resources": res,
	}, content)
}

func (w *writer) annotate(page *pdfops.Page, items []placed) error {
	var annots types.Array
	if obj, found := page.Dict.Find("Annots"); found {
		existing, err := w.doc.Array(obj)
		if err != nil {
			return fmt.Errorf("read annotations: %w", err)
		}
		annots = append(annots, existing...)
	}
	for _, it := range items {
		ap, err := w.form(it.r, false)
		if err != nil {
			return err
		}
		ref, err := w.doc.NewObject(w.annotation(it.m, it.r, ap, page.Ref))
		if err != nil {
			return err
		}
		annots = append(annots, *ref)
	}
	page.Dict["Annots"] = annots
	return nil
}

func (w *writer) annotation(m Markup, r Rendered, ap, pageRef *types.IndirectRef) types.Dict {
	id := m.ID
	if id == "" {
		id = uuid.NewString()
	}
	created := m.CreatedAt
	if created.IsZero() {
		created = w.now
	}
	d := types.Dict{
		"Type":         types.Name("Annot"),
		"Subtype":      types.Name(r.Subtype),
		"Rect":         rectObject(r.Rect),
		"F":            types.Integer(4),
		"NM":           textString(id),
		"M":            types.StringLiteral(pdfDate(w.now)),
		"CreationDate": types.StringLiteral(pdfDate(created)),
		"AP":           types.Dict{"N": *ap},
		"P":            *pageRef,
	}
	if m.Text != "" && r.Subtype != "Redact" {
		d["Contents"] = textString(SanitizeText(m.Text))
	}
	if m.Author != "" {
		d["T"] = textString(m.Author)
	}
	if r.GState != nil {
		d["CA"] = types.Float(r.GState.StrokeAlpha)
	}
	for k, v := range r.Entries {
		if obj := toObject(v); obj != nil {
			d[k] = obj
		}
	}
	return d
}

// flatten paints every item into the page by appending a content stream
// that draws their appearances. Existing content is wrapped in q/Q so its
// graphics state cannot leak into ours.
func (w *writer) flatten(page *pdfops.Page, items []placed) error {
	res := types.Dict{}
	for k, v := range page.Resources {
		res[k] = v
	}
	xobjects := types.Dict{}
	if obj, found := res.Find("XObject"); found {
		existing, err := w.doc.Dict(obj)
		if err != nil {
			return fmt.Errorf("read xobjects: %w", err)
		}
		for k, v := range existing {
			xobjects[k] = v
		}
	}

	var s stream
	s.restore()
	for _, it := range items {
		ref, err := w.form(it.r, true)
		if err != nil {
			return err
		}
		name := w.xobjectName(xobjects)
		xobjects[name] = *ref
		s.save()
		s.raw("/" + name + " Do")
		s.restore()
	}
	res["XObject"] = xobjects
	page.Dict["Resources"] = res

	var contents types.Array
	if obj, found := page.Dict.Find("Contents"); found {
		resolved, err := w.doc.Context().Dereference(obj)
		if err != nil {
			return fmt.Errorf("read contents: %w", err)
		}
		switch v := resolved.(type) {
		case types.Array:
			contents = append(contents, v...)
		default:
			contents = append(contents, obj)
		}
	}
	open, err := w.doc.NewStream(nil, []byte("q\n"))
	if err != nil {
		return err
	}
	ours, err := w.doc.NewStream(nil, s.Bytes())
	if err != nil {
		return err
	}
	all := types.Array{*open}
	all = append(all, contents...)
	all = append(all, *ours)
	page.Dict["Contents"] = all
	return nil
}

func (w *writer) xobjectName(taken types.Dict) string {
	for {
		w.seq++
		name := fmt.Sprintf("PidlyM%d", w.seq)
		if _, found := taken[name]; !found {
			return name
		}
	}
}

func pdfDate(t time.Time) string {
	return t.UTC().Format("D:20060102150405-07'00'")
}

func rectObject(r Rect) types.Array {
	return types.Array{types.Float(r.LLX), types.Float(r.LLY), types.Float(r.URX), types.Float(r.URY)}
}

// textString encodes s as a PDF text string, UTF-16 when it leaves ASCII.
func textString(s string) types.Object {
	if isASCII(s) {
		return types.StringLiteral(escapeLiteral(s))
	}
	return types.HexLiteral(utf16Hex(s))
}

// toObject converts Rendered.Entries values to pdfcpu objects.
func toObject(v any) types.Object {
	switch t := v.(type) {
	case Name:
		return types.Name(t)
	case string:
		return textString(t)
	case float64:
		return types.Float(t)
	case int:
		return types.Integer(t)
	case bool:
		return types.Boolean(t)
	case []float64:
		arr := make(types.Array, len(t))
		for i, f := range t {
			arr[i] = types.Float(f)
		}
		return arr
	case []any:
		arr := make(types.Array, 0, len(t))
		for _, e := range t {
			if o := toObject(e); o != nil {
				arr = append(arr, o)
			}
		}
		return arr
	case map[string]any:
		d := types.Dict{}
		for k, e := range t {
			if o := toObject(e); o != nil {
				d[k] = o
			}
		}
		return d
	}
	return nil
}
