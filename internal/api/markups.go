package api

import (
    "fmt"
    "mime"
    "net/http"
    "path"
    "strconv"

    "github.com/rs/zerolog/log"

    "github.com/local/pidly/internal/files"
    "github.com/local/pidly/internal/filetype"
    "github.com/local/pidly/internal/markup"
    "github.com/local/pidly/internal/metrics"
)

type saveMarkupsReq struct {
    File    string                     `json:"file"`
    Markups map[string][]markup.Markup `json:"markups"`
    Mode    string                     `json:"mode"`
    // SaveAs stores the result as a new file; otherwise the source is replaced.
    SaveAs  string                     `json:"save_as"`
}

func (a *API) handleSaveMarkups(w http.ResponseWriter, r *http.Request) {
    var req saveMarkupsReq
    if err := decodeJSON(w, r, blobLimit, &req); err != nil { writeError(w, r, err); return }
    if req.File == "" { writeErrorMsg(w, http.StatusBadRequest, "missing file"); return }
    mode, err := markup.ParseMode(req.Mode)
    if err != nil { writeError(w, r, err); return }
    byPage := make(map[int][]markup.Markup, len(req.Markups))
    for key, list := range req.Markups {
        page, err := strconv.Atoi(key)
        if err != nil || page < 1 {
            writeErrorMsg(w, http.StatusBadRequest, fmt.Sprintf("invalid page key %q", key))
            return
        }
        byPage[page] = list
    }

    data, info, err := a.deps.Files.Open(r.Context(), req.File)
    if err != nil { writeError(w, r, err); return }
    if info.Kind != string(filetype.KindPDF) {
        writeError(w, r, fmt.Errorf("%w: markups can only be saved into PDF files", files.ErrUnsupported))
        return
    }
    out, report, err := markup.Apply(data, byPage, mode)
    if err != nil { writeError(w, r, err); return }
    for _, s := range report.Skipped {
        log.Warn().Str("file", req.File).Int("page", s.Page).Int("index", s.Index).Str("reason", s.Reason).Msg("markup skipped")
    }

    var saved files.Info
    if req.SaveAs != "" {
        saved, err = a.deps.Files.Create(r.Context(), req.SaveAs, out)
    } else {
        saved, err = a.deps.Files.Replace(r.Context(), req.File, out)
    }
    if err != nil { writeError(w, r, err); return }
    metrics.IncMarkupsSaved(string(mode))
    log.Info().Str("file", saved.Name).Str("mode", string(mode)).Int("applied", report.Applied).Int("skipped", len(report.Skipped)).Msg("markups saved")

    w.Header().Set("Content-Type", "application/pdf")
    w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": path.Base(saved.Name)}))
    w.Header().Set("X-Markups-Applied", strconv.Itoa(report.Applied))
    w.Header().Set("X-Markups-Skipped", strconv.Itoa(len(report.Skipped)))
    w.Header().Set("X-Saved-As", saved.Name)
    w.WriteHeader(http.StatusOK)
    _, _ = w.Write(out)
}
