package api

import (
    "bytes"
    "errors"
    "fmt"
    "mime"
    "net/http"
    "path"

    "github.com/rs/zerolog/log"

    "github.com/local/pidly/internal/files"
)

const jsonLimit = 1 << 20

func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
    // room for the multipart envelope around the file
    r.Body = http.MaxBytesReader(w, r.Body, a.deps.MaxUploadBytes+1<<20)
    if err := r.ParseMultipartForm(32 << 20); err != nil {
        var maxBytes *http.MaxBytesError
        if errors.As(err, &maxBytes) {
            writeError(w, r, fmt.Errorf("%w: limit is %d bytes", files.ErrTooLarge, a.deps.MaxUploadBytes))
            return
        }
        writeErrorMsg(w, http.StatusBadRequest, "invalid multipart form")
        return
    }
    defer r.MultipartForm.RemoveAll()
    file, hdr, err := r.FormFile("file")
    if err != nil { writeErrorMsg(w, http.StatusBadRequest, "missing file"); return }
    defer file.Close()

    info, err := a.deps.Files.Upload(r.Context(), r.FormValue("folder"), hdr.Filename, file)
    if err != nil { writeError(w, r, err); return }
    writeJSON(w, http.StatusCreated, info)
}

func (a *API) handleListFiles(w http.ResponseWriter, r *http.Request) {
    list, err := a.deps.Files.List(r.Context(), r.URL.Query().Get("prefix"))
    if err != nil { writeError(w, r, err); return }
    if list == nil { list = []files.Info{} }
    writeJSON(w, http.StatusOK, list)
}

func (a *API) handleDownload(w http.ResponseWriter, r *http.Request) {
    data, info, err := a.deps.Files.Open(r.Context(), r.PathValue("name"))
    if err != nil { writeError(w, r, err); return }
    w.Header().Set("Content-Type", info.ContentType)
    disposition := "inline"
    if r.URL.Query().Get("download") != "" { disposition = "attachment" }
    w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": path.Base(info.Name)}))
    http.ServeContent(w, r, info.Name, info.UploadedAt, bytes.NewReader(data))
}

type renameReq struct {
    NewName string `json:"new_name"`
}

func (a *API) handleRename(w http.ResponseWriter, r *http.Request) {
    var req renameReq
    if err := decodeJSON(w, r, jsonLimit, &req); err != nil { writeError(w, r, err); return }
    if req.NewName == "" { writeErrorMsg(w, http.StatusBadRequest, "missing new_name"); return }
    info, err := a.deps.Files.Rename(r.Context(), r.PathValue("name"), req.NewName)
    if err != nil { writeError(w, r, err); return }
    log.Info().Str("from", r.PathValue("name")).Str("to", info.Name).Msg("file renamed")
    writeJSON(w, http.StatusOK, info)
}

func (a *API) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
    if err := a.deps.Files.Delete(r.Context(), r.PathValue("name")); err != nil {
        writeError(w, r, err)
        return
    }
    w.WriteHeader(http.StatusNoContent)
}
