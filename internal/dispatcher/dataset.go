package dispatcher

import (
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "image"
    _ "image/jpeg"
    "image/png"
    "os"
    "path/filepath"
    "sort"

    "github.com/local/pidly/internal/files"
    "github.com/local/pidly/internal/pdfops"
    "github.com/local/pidly/internal/queue"
)

// Documents opens uploaded files.
type Documents interface {
    Open(ctx context.Context, name string) ([]byte, files.Info, error)
}

// Manifest describes a training dataset on disk.
type Manifest struct {
    JobID     string         `json:"job_id"`
    ProjectID string         `json:"project_id"`
    ModelName string         `json:"model_name"`
    ModelType string         `json:"model_type"`
    Classes   []string       `json:"classes"`
    Items     []ManifestItem `json:"items"`
}

type ManifestItem struct {
    Image  string        `json:"image"`
    Class  string        `json:"class"`
    File   string        `json:"file"`
    Page   int           `json:"page"`
    Region pdfops.Region `json:"region"`
}

// buildDataset captures every template region to PNG under dir and
// writes manifest.json next to the images.
func buildDataset(ctx context.Context, docs Documents, job queue.TrainJob, dir string, dpi int, progress func(done, total int)) (Manifest, error) {
    if err := os.MkdirAll(filepath.Join(dir, "images"), 0o755); err != nil {
        return Manifest{}, fmt.Errorf("create dataset dir: %w", err)
    }
    m := Manifest{JobID: job.ID, ProjectID: job.ProjectID, ModelName: job.ModelName, ModelType: job.ModelType}
    type doc struct {
        data []byte
        info files.Info
    }
    cache := map[string]doc{}
    classes := map[string]bool{}

    for i, t := range job.Templates {
        if err := ctx.Err(); err != nil { return Manifest{}, err }
        d, ok := cache[t.File]
        if !ok {
            data, info, err := docs.Open(ctx, t.File)
            if err != nil { return Manifest{}, fmt.Errorf("template %d: %w", i, err) }
            d = doc{data: data, info: info}
            cache[t.File] = d
        }
        region := pdfops.Region{X: t.X, Y: t.Y, Width: t.Width, Height: t.Height}
        img, err := capture(d.data, d.info.Kind, t.Page, region, dpi)
        if err != nil { return Manifest{}, fmt.Errorf("template %d (%s page %d): %w", i, t.File, t.Page, err) }

        name := fmt.Sprintf("images/%04d.png", i)
        if err := os.WriteFile(filepath.Join(dir, name), img, 0o644); err != nil {
            return Manifest{}, fmt.Errorf("write %s: %w", name, err)
        }
        class := t.Class
        if class == "" { class = job.ModelName }
        classes[class] = true
        m.Items = append(m.Items, ManifestItem{Image: name, Class: class, File: t.File, Page: t.Page, Region: region})
        if progress != nil { progress(i+1, len(job.Templates)) }
    }

    for c := range classes { m.Classes = append(m.Classes, c) }
    sort.Strings(m.Classes)
    b, _ := json.MarshalIndent(m, "", "  ")
    if err := os.WriteFile(filepath.Join(dir, "manifest.json"), b, 0o644); err != nil {
        return Manifest{}, fmt.Errorf("write manifest: %w", err)
    }
    return m, nil
}

// capture crops region out of a PDF page or a plain image.
func capture(data []byte, kind string, page int, region pdfops.Region, dpi int) ([]byte, error) {
    if kind != "image" {
        return pdfops.CaptureRegion(data, page, region, dpi)
    }
    if page != 1 {
        return nil, fmt.Errorf("%w: images have a single page", pdfops.ErrPageRange)
    }
    src, _, err := image.Decode(bytes.NewReader(data))
    if err != nil { return nil, fmt.Errorf("decode image: %w", err) }
    var buf bytes.Buffer
    if err := png.Encode(&buf, pdfops.Crop(src, region)); err != nil { return nil, err }
    return buf.Bytes(), nil
}
