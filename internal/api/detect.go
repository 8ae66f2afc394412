package api

import (
    "bytes"
    "context"
    "fmt"
    "image"
    _ "image/jpeg"
    "image/png"
    "net/http"
    "os"

    "github.com/rs/zerolog/log"

    "github.com/local/pidly/internal/detector"
    "github.com/local/pidly/internal/files"
    "github.com/local/pidly/internal/filetype"
    "github.com/local/pidly/internal/limiter"
    "github.com/local/pidly/internal/pdfops"
    "github.com/local/pidly/internal/projects"
)

type detectReq struct {
    Project    string   `json:"project"`
    Model      string   `json:"model"`
    File       string   `json:"file"`
    Page       int      `json:"page"`
    Confidence float64  `json:"confidence"`
    Classes    []string `json:"classes"`
}

type detectResp struct {
    File       string               `json:"file"`
    Page       int                  `json:"page"`
    Model      string               `json:"model"`
    Source     string               `json:"source"`
    Detections []detector.Detection `json:"detections"`
}

func (a *API) handleDetect(w http.ResponseWriter, r *http.Request) {
    var req detectReq
    if err := decodeJSON(w, r, jsonLimit, &req); err != nil { writeError(w, r, err); return }
    if req.File == "" || req.Model == "" {
        writeErrorMsg(w, http.StatusBadRequest, "file and model are required")
        return
    }
    if req.Page == 0 { req.Page = 1 }
    if req.Confidence == 0 { req.Confidence = 0.25 }
    if req.Confidence < 0 || req.Confidence > 1 {
        writeErrorMsg(w, http.StatusBadRequest, "confidence must be between 0 and 1")
        return
    }
    if a.deps.Companion == nil && a.deps.Runner == nil {
        writeError(w, r, errNoDetector)
        return
    }
    release, ok := a.deps.Limiter.Allow("detect:" + limiter.ClientIP(r))
    if !ok { writeError(w, r, errBusy); return }
    defer release()

    p, err := a.deps.Projects.Get(r.Context(), req.Project)
    if err != nil { writeError(w, r, err); return }
    model, ok := p.Model(req.Model)
    if !ok {
        writeError(w, r, fmt.Errorf("%w: model %q in project %s", projects.ErrNotFound, req.Model, p.ID))
        return
    }
    img, err := a.pageImage(r.Context(), req.File, req.Page, a.deps.DetectDPI)
    if err != nil { writeError(w, r, err); return }

    resp := detectResp{File: req.File, Page: req.Page, Model: model.Name}
    if a.deps.Companion != nil {
        resp.Source = "companion"
        resp.Detections, err = a.deps.Companion.Detect(r.Context(), img, model.Path, model.Type, req.Confidence, req.Classes)
    } else {
        resp.Source = "local"
        resp.Detections, err = a.detectLocal(r.Context(), img, model, req)
    }
    if err != nil { writeError(w, r, err); return }
    log.Info().Str("file", req.File).Int("page", req.Page).Str("model", model.Name).Str("source", resp.Source).Int("detections", len(resp.Detections)).Msg("detection finished")
    writeJSON(w, http.StatusOK, resp)
}

func (a *API) detectLocal(ctx context.Context, img []byte, model projects.Model, req detectReq) ([]detector.Detection, error) {
    f, err := os.CreateTemp(a.deps.TempDir, "detect-*.png")
    if err != nil { return nil, fmt.Errorf("create page image: %w", err) }
    defer os.Remove(f.Name())
    if _, err := f.Write(img); err != nil {
        f.Close()
        return nil, fmt.Errorf("write page image: %w", err)
    }
    if err := f.Close(); err != nil { return nil, fmt.Errorf("write page image: %w", err) }
    return a.deps.Runner.Detect(ctx, detector.DetectRequest{
        ImagePath:  f.Name(),
        ModelDir:   model.Path,
        ModelType:  model.Type,
        Confidence: req.Confidence,
        Classes:    req.Classes,
    })
}

// pageImage returns a 1-based page of a stored file as PNG.
func (a *API) pageImage(ctx context.Context, name string, page, dpi int) ([]byte, error) {
    data, info, err := a.deps.Files.Open(ctx, name)
    if err != nil { return nil, err }
    switch filetype.Kind(info.Kind) {
    case filetype.KindPDF:
        return pdfops.RenderPage(data, page, dpi)
    case filetype.KindImage:
        if page != 1 {
            return nil, fmt.Errorf("%w: images have a single page", pdfops.ErrPageRange)
        }
        if info.ContentType == "image/png" { return data, nil }
        src, _, err := image.Decode(bytes.NewReader(data))
        if err != nil { return nil, fmt.Errorf("%w: decode image: %v", files.ErrUnsupported, err) }
        var buf bytes.Buffer
        if err := png.Encode(&buf, src); err != nil { return nil, err }
        return buf.Bytes(), nil
    }
    return nil, fmt.Errorf("%w: %s", files.ErrUnsupported, info.ContentType)
}
