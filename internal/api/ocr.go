package api

import (
    "bytes"
    "context"
    "encoding/base64"
    "errors"
    "fmt"
    "image"
    "image/png"
    "io"
    "net/http"
    "strconv"

    "github.com/rs/zerolog/log"

    "github.com/local/pidly/internal/files"
    "github.com/local/pidly/internal/filetype"
    "github.com/local/pidly/internal/limiter"
    "github.com/local/pidly/internal/ocr"
    "github.com/local/pidly/internal/pdfops"
)

const imageLimit = 20 << 20

func (a *API) recognize(ctx context.Context, img []byte) (ocr.Result, error) {
    if a.deps.OCR == nil { return ocr.Result{}, ocr.ErrNotConfigured }
    return a.deps.OCR.Recognize(ctx, ocr.Input{Image: img, Languages: a.deps.OCRLanguages})
}

func (a *API) handleOCRTest(w http.ResponseWriter, r *http.Request) {
    r.Body = http.MaxBytesReader(w, r.Body, imageLimit+1<<20)
    if err := r.ParseMultipartForm(imageLimit); err != nil {
        var maxBytes *http.MaxBytesError
        if errors.As(err, &maxBytes) { writeError(w, r, err); return }
        writeErrorMsg(w, http.StatusBadRequest, "invalid multipart form")
        return
    }
    defer r.MultipartForm.RemoveAll()
    file, _, err := r.FormFile("image")
    if err != nil { writeErrorMsg(w, http.StatusBadRequest, "missing image"); return }
    defer file.Close()
    img, err := io.ReadAll(file)
    if err != nil { writeError(w, r, err); return }

    release, ok := a.deps.Limiter.Allow("ocr:" + limiter.ClientIP(r))
    if !ok { writeError(w, r, errBusy); return }
    defer release()
    res, err := a.recognize(r.Context(), img)
    if err != nil { writeError(w, r, err); return }
    writeJSON(w, http.StatusOK, res)
}

func (a *API) handleThumbnail(w http.ResponseWriter, r *http.Request) {
    q := r.URL.Query()
    name := q.Get("file")
    if name == "" { writeErrorMsg(w, http.StatusBadRequest, "missing file"); return }
    page, err := intParam(q.Get("page"), 1)
    if err != nil { writeError(w, r, err); return }
    width, err := intParam(q.Get("width"), 200)
    if err != nil { writeError(w, r, err); return }

    data, info, err := a.deps.Files.Open(r.Context(), name)
    if err != nil { writeError(w, r, err); return }
    w.Header().Set("Cache-Control", "private, max-age=300")
    switch filetype.Kind(info.Kind) {
    case filetype.KindPDF:
        thumb, err := pdfops.Thumbnail(data, page, width)
        if err != nil { writeError(w, r, err); return }
        w.Header().Set("Content-Type", "image/png")
        _, _ = w.Write(thumb)
    case filetype.KindImage:
        // the browser scales images itself
        w.Header().Set("Content-Type", info.ContentType)
        _, _ = w.Write(data)
    default:
        writeError(w, r, fmt.Errorf("%w: %s", files.ErrUnsupported, info.ContentType))
    }
}

type regionReq struct {
    File     string        `json:"file"`
    Page     int           `json:"page"`
    Region   pdfops.Region `json:"region"`
    DPI      int           `json:"dpi"`
    ForceOCR bool          `json:"force_ocr"`
}

type regionResp struct {
    Text   string `json:"text"`
    Source string `json:"source"`
    Engine string `json:"engine,omitempty"`
    Cached bool   `json:"cached,omitempty"`
    // Image is the captured region as a PNG data URL.
    Image  string `json:"image"`
}

// handleOCRRegion reads the text inside a page region. The PDF text layer
// is used when it has text there; otherwise the region is OCRed.
func (a *API) handleOCRRegion(w http.ResponseWriter, r *http.Request) {
    var req regionReq
    if err := decodeJSON(w, r, jsonLimit, &req); err != nil { writeError(w, r, err); return }
    if req.File == "" { writeErrorMsg(w, http.StatusBadRequest, "missing file"); return }
    if !req.Region.Valid() { writeErrorMsg(w, http.StatusBadRequest, "region must lie inside the page"); return }
    if req.Page == 0 { req.Page = 1 }
    if req.DPI <= 0 { req.DPI = a.deps.OCRDPI }

    data, info, err := a.deps.Files.Open(r.Context(), req.File)
    if err != nil { writeError(w, r, err); return }
    img, err := captureRegion(data, info, req.Page, req.Region, req.DPI)
    if err != nil { writeError(w, r, err); return }
    resp := regionResp{Image: "data:image/png;base64," + base64.StdEncoding.EncodeToString(img)}

    if info.Kind == string(filetype.KindPDF) && info.HasText && !req.ForceOCR {
        text, err := pdfops.RegionText(data, req.Page, req.Region)
        if err != nil {
            log.Warn().Err(err).Str("file", req.File).Int("page", req.Page).Msg("text layer read failed; falling back to OCR")
        } else if text != "" {
            resp.Text, resp.Source = text, "text_layer"
            writeJSON(w, http.StatusOK, resp)
            return
        }
    }

    release, ok := a.deps.Limiter.Allow("ocr:" + limiter.ClientIP(r))
    if !ok { writeError(w, r, errBusy); return }
    defer release()
    res, err := a.recognize(r.Context(), img)
    if err != nil { writeError(w, r, err); return }
    resp.Text, resp.Source, resp.Engine, resp.Cached = res.Text, "ocr", res.Engine, res.Cached
    writeJSON(w, http.StatusOK, resp)
}

func captureRegion(data []byte, info files.Info, page int, region pdfops.Region, dpi int) ([]byte, error) {
    switch filetype.Kind(info.Kind) {
    case filetype.KindPDF:
        return pdfops.CaptureRegion(data, page, region, dpi)
    case filetype.KindImage:
        if page != 1 {
            return nil, fmt.Errorf("%w: images have a single page", pdfops.ErrPageRange)
        }
        src, _, err := image.Decode(bytes.NewReader(data))
        if err != nil { return nil, fmt.Errorf("%w: decode image: %v", files.ErrUnsupported, err) }
        var buf bytes.Buffer
        if err := png.Encode(&buf, pdfops.Crop(src, region)); err != nil { return nil, err }
        return buf.Bytes(), nil
    }
    return nil, fmt.Errorf("%w: %s", files.ErrUnsupported, info.ContentType)
}

func intParam(s string, def int) (int, error) {
    if s == "" { return def, nil }
    n, err := strconv.Atoi(s)
    if err != nil || n < 0 {
        return 0, fmt.Errorf("%w: invalid number %q", errBadRequest, s)
    }
    return n, nil
}
