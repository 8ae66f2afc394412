// Package pdfops reads, renders and edits PDF documents.
package pdfops

import (
    "bytes"
    "errors"
    "fmt"
    "io"

    "github.com/pdfcpu/pdfcpu/pkg/api"
    "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
    "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// ErrPageRange is returned for page numbers outside the document.
var ErrPageRange = errors.New("page out of range")

func init() {
    // never read or create a pdfcpu config dir under $HOME
    model.ConfigPath = "disable"
}

func configuration() *model.Configuration {
    conf := model.NewDefaultConfiguration()
    conf.ValidationMode = model.ValidationRelaxed
    return conf
}

// PageCount returns the number of pages in a PDF.
func PageCount(data []byte) (int, error) {
    n, err := api.PageCount(bytes.NewReader(data), configuration())
    if err != nil { return 0, fmt.Errorf("pdf page count failed: %w", err) }
    return n, nil
}

// Geometry is the visible area of a page in user space.
type Geometry struct {
    Box    [4]float64 `json:"box"`
    Rotate int        `json:"rotate"`
}

// Width and Height return the size as displayed, honouring Rotate.
func (g Geometry) Width() float64 {
    if g.Rotate == 90 || g.Rotate == 270 { return g.Box[3] - g.Box[1] }
    return g.Box[2] - g.Box[0]
}

func (g Geometry) Height() float64 {
    if g.Rotate == 90 || g.Rotate == 270 { return g.Box[2] - g.Box[0] }
    return g.Box[3] - g.Box[1]
}

// Document is a parsed PDF open for modification.
type Document struct {
    ctx *model.Context
}

// Open parses data into a Document.
func Open(data []byte) (*Document, error) {
    ctx, err := api.ReadContext(bytes.NewReader(data), configuration())
    if err != nil { return nil, fmt.Errorf("read pdf: %w", err) }
    if err := api.ValidateContext(ctx); err != nil { return nil, fmt.Errorf("validate pdf: %w", err) }
    if err := ctx.EnsurePageCount(); err != nil { return nil, fmt.Errorf("count pages: %w", err) }
    return &Document{ctx: ctx}, nil
}

// Context exposes the underlying pdfcpu context for object level edits.
func (d *Document) Context() *model.Context { return d.ctx }

// PageCount returns the number of pages.
func (d *Document) PageCount() int { return d.ctx.PageCount }

// Page is a page dictionary with its resolved geometry.
type Page struct {
    Number   int
    Dict     types.Dict
    Ref      *types.IndirectRef
    Geometry Geometry
    // Resources is the effective resource dictionary, possibly inherited.
    Resources types.Dict
}

// Page returns the 1-based page n.
func (d *Document) Page(n int) (*Page, error) {
    if n < 1 || n > d.ctx.PageCount {
        return nil, fmt.Errorf("%w: page %d of %d", ErrPageRange, n, d.ctx.PageCount)
    }
    dict, ref, inh, err := d.ctx.PageDict(n, false)
    if err != nil { return nil, fmt.Errorf("page %d: %w", n, err) }
    if dict == nil || ref == nil { return nil, fmt.Errorf("page %d: missing page dictionary", n) }

    p := &Page{Number: n, Dict: dict, Ref: ref}
    rotate := 0
    if v, found := d.number(dict, "Rotate"); found {
        rotate = int(v)
    } else if inh != nil {
        rotate = inh.Rotate
    }
    rotate = ((rotate % 360) + 360) % 360
    p.Geometry = Geometry{Box: d.pageBox(dict, inh), Rotate: (rotate / 90) * 90}

    if obj, found := dict.Find("Resources"); found {
        if res, err := d.ctx.DereferenceDict(obj); err == nil && res != nil { p.Resources = res }
    }
    if p.Resources == nil && inh != nil { p.Resources = inh.Resources }
    return p, nil
}

// Geometries returns the geometry of every page in order.
func (d *Document) Geometries() ([]Geometry, error) {
    out := make([]Geometry, 0, d.ctx.PageCount)
    for i := 1; i <= d.ctx.PageCount; i++ {
        p, err := d.Page(i)
        if err != nil { return nil, err }
        out = append(out, p.Geometry)
    }
    return out, nil
}

// PageGeometries parses data and returns the geometry of every page.
func PageGeometries(data []byte) ([]Geometry, error) {
    d, err := Open(data)
    if err != nil { return nil, err }
    return d.Geometries()
}

// NewStream registers a stream object holding content unfiltered.
func (d *Document) NewStream(dict types.Dict, content []byte) (*types.IndirectRef, error) {
    if dict == nil { dict = types.Dict{} }
    sd := types.NewStreamDict(dict, 0, nil, nil, nil)
    sd.Content = content
    sd.Raw = content
    l := int64(len(content))
    sd.StreamLength = &l
    sd.Dict["Length"] = types.Integer(len(content))
    ref, err := d.ctx.IndRefForNewObject(sd)
    if err != nil { return nil, fmt.Errorf("add stream: %w", err) }
    return ref, nil
}

// NewObject registers obj as an indirect object.
func (d *Document) NewObject(obj types.Object) (*types.IndirectRef, error) {
    ref, err := d.ctx.IndRefForNewObject(obj)
    if err != nil { return nil, fmt.Errorf("add object: %w", err) }
    return ref, nil
}

// Array resolves obj to an array; a missing object yields nil.
func (d *Document) Array(obj types.Object) (types.Array, error) {
    if obj == nil { return nil, nil }
    return d.ctx.DereferenceArray(obj)
}

// Dict resolves obj to a dictionary; a missing object yields nil.
func (d *Document) Dict(obj types.Object) (types.Dict, error) {
    if obj == nil { return nil, nil }
    return d.ctx.DereferenceDict(obj)
}

// Write serializes the document.
func (d *Document) Write(w io.Writer) error {
    if err := api.WriteContext(d.ctx, w); err != nil { return fmt.Errorf("write pdf: %w", err) }
    return nil
}

// Bytes serializes the document into memory.
func (d *Document) Bytes() ([]byte, error) {
    var buf bytes.Buffer
    if err := d.Write(&buf); err != nil { return nil, err }
    return buf.Bytes(), nil
}

func (d *Document) number(dict types.Dict, key string) (float64, bool) {
    obj, found := dict.Find(key)
    if !found { return 0, false }
    obj, err := d.ctx.Dereference(obj)
    if err != nil { return 0, false }
    return toFloat(obj)
}

func (d *Document) rectEntry(dict types.Dict, key string) ([4]float64, bool) {
    obj, found := dict.Find(key)
    if !found { return [4]float64{}, false }
    arr, err := d.ctx.DereferenceArray(obj)
    if err != nil || len(arr) != 4 { return [4]float64{}, false }
    var box [4]float64
    for i, o := range arr {
        o, err := d.ctx.Dereference(o)
        if err != nil { return [4]float64{}, false }
        v, ok := toFloat(o)
        if !ok { return [4]float64{}, false }
        box[i] = v
    }
    return box, true
}

func toFloat(obj types.Object) (float64, bool) {
    switch v := obj.(type) {
    case types.Integer:
        return float64(v), true
    case types.Float:
        return float64(v), true
    }
    return 0, false
}

// pageBox is the visible area: the CropBox, own or inherited, clipped to
// the MediaBox. inh already carries the page's own entries.
func (d *Document) pageBox(dict types.Dict, inh *model.InheritedPageAttrs) [4]float64 {
    media, hasMedia := d.rectEntry(dict, "MediaBox")
    crop, hasCrop := d.rectEntry(dict, "CropBox")
    if inh != nil {
        if inh.MediaBox != nil { media, hasMedia = rectArray(inh.MediaBox), true }
        if inh.CropBox != nil { crop, hasCrop = rectArray(inh.CropBox), true }
    }
    if !hasMedia { media = [4]float64{0, 0, 612, 792} }
    media = normalizeBox(media)
    if !hasCrop { return media }
    return clipBox(normalizeBox(crop), media)
}

// clipBox intersects b with limit; an empty intersection yields limit.
func clipBox(b, limit [4]float64) [4]float64 {
    out := [4]float64{max(b[0], limit[0]), max(b[1], limit[1]), min(b[2], limit[2]), min(b[3], limit[3])}
    if out[0] >= out[2] || out[1] >= out[3] { return limit }
    return out
}

func rectArray(r *types.Rectangle) [4]float64 {
    return [4]float64{r.LL.X, r.LL.Y, r.UR.X, r.UR.Y}
}

func normalizeBox(b [4]float64) [4]float64 {
    if b[0] > b[2] { b[0], b[2] = b[2], b[0] }
    if b[1] > b[3] { b[1], b[3] = b[3], b[1] }
    return b
}
