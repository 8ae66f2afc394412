package api

import (
    "errors"
    "fmt"
    "io"
    "net/http"

    "github.com/local/pidly/internal/projects"
)

// blobs carry whole markup sets, images included
const blobLimit = 64 << 20

func (a *API) handleListProjects(w http.ResponseWriter, r *http.Request) {
    list, err := a.deps.Projects.List(r.Context())
    if err != nil { writeError(w, r, err); return }
    if list == nil { list = []projects.Project{} }
    writeJSON(w, http.StatusOK, list)
}

type createProjectReq struct {
    Name string `json:"name"`
}

func (a *API) handleCreateProject(w http.ResponseWriter, r *http.Request) {
    var req createProjectReq
    if err := decodeJSON(w, r, jsonLimit, &req); err != nil { writeError(w, r, err); return }
    p, err := a.deps.Projects.Create(r.Context(), req.Name)
    if err != nil { writeError(w, r, err); return }
    writeJSON(w, http.StatusCreated, p)
}

func (a *API) handleGetProject(w http.ResponseWriter, r *http.Request) {
    p, err := a.deps.Projects.Get(r.Context(), r.PathValue("id"))
    if err != nil { writeError(w, r, err); return }
    writeJSON(w, http.StatusOK, p)
}

func (a *API) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
    var in projects.Project
    if err := decodeJSON(w, r, blobLimit, &in); err != nil { writeError(w, r, err); return }
    p, err := a.deps.Projects.Update(r.Context(), r.PathValue("id"), in)
    if err != nil { writeError(w, r, err); return }
    writeJSON(w, http.StatusOK, p)
}

func (a *API) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
    if err := a.deps.Projects.Delete(r.Context(), r.PathValue("id")); err != nil {
        writeError(w, r, err)
        return
    }
    w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGetBlob(kind projects.BlobKind) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        b, err := a.deps.Projects.GetBlob(r.Context(), r.PathValue("id"), kind)
        if err != nil { writeError(w, r, err); return }
        w.Header().Set("Content-Type", "application/json")
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write(b)
    }
}

// handlePutBlob stores the body verbatim so a later GET returns the same bytes.
func (a *API) handlePutBlob(kind projects.BlobKind) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        r.Body = http.MaxBytesReader(w, r.Body, blobLimit)
        defer r.Body.Close()
        b, err := io.ReadAll(r.Body)
        if err != nil {
            var maxBytes *http.MaxBytesError
            if !errors.As(err, &maxBytes) { err = fmt.Errorf("%w: read body: %v", errBadRequest, err) }
            writeError(w, r, err)
            return
        }
        if err := a.deps.Projects.PutBlob(r.Context(), r.PathValue("id"), kind, b); err != nil {
            writeError(w, r, err)
            return
        }
        w.WriteHeader(http.StatusNoContent)
    }
}

func (a *API) handleDeleteBlob(kind projects.BlobKind) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        if err := a.deps.Projects.DeleteBlob(r.Context(), r.PathValue("id"), kind); err != nil {
            writeError(w, r, err)
            return
        }
        w.WriteHeader(http.StatusNoContent)
    }
}
