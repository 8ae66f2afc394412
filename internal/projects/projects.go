// Package projects persists project documents and their per-project
// JSON blobs (detection objects and OCR regions).
package projects

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/pidly/internal/storage"
)

var (
	ErrNotFound    = errors.New("project not found")
	ErrInvalid     = errors.New("invalid project")
	ErrInvalidBlob = errors.New("invalid blob")
)

// BlobKind names a per-project JSON document.
type BlobKind string

const (
	Objects BlobKind = "objects"
	Regions BlobKind = "regions"
)

// ParseBlobKind accepts "objects" and "regions".
func ParseBlobKind(s string) (BlobKind, error) {
	switch k := BlobKind(strings.ToLower(s)); k {
	case Objects, Regions:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidBlob, s)
}

// Folder is a virtual folder in the project tree.
type Folder struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
}

// FileRef places an uploaded file into a project folder.
type FileRef struct {
	Name     string `json:"name"`
	FolderID string `json:"folder_id,omitempty"`
}

// View is a saved viewport on a document.
type View struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	File string  `json:"file"`
	Page int     `json:"page"`
	Zoom float64 `json:"zoom,omitempty"`
	X    float64 `json:"x,omitempty"`
	Y    float64 `json:"y,omitempty"`
}

// Model is a trained detector produced by a training job.
type Model struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Classes   []string  `json:"classes,omitempty"`
	Path      string    `json:"path"`
	JobID     string    `json:"job_id,omitempty"`
	Metrics   Metrics   `json:"metrics,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Metrics is the free-form summary reported by the trainer.
type Metrics map[string]float64

type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Folders   []Folder  `json:"folders"`
	Files     []FileRef `json:"files"`
	Views     []View    `json:"views"`
	Models    []Model   `json:"models"`
}

func (p *Project) normalize() {
	if p.Folders == nil {
		p.Folders = []Folder{}
	}
	if p.Files == nil {
		p.Files = []FileRef{}
	}
	if p.Views == nil {
		p.Views = []View{}
	}
	if p.Models == nil {
		p.Models = []Model{}
	}
}

// Model returns the model with id or name ref.
func (p *Project) Model(ref string) (Model, bool) {
	for _, m := range p.Models {
		if m.ID == ref || m.Name == ref {
			return m, true
		}
	}
	return Model{}, false
}

// Service stores projects under projects/<id>/ in a storage backend.
type Service struct {
	store storage.Backend
	now   func() time.Time
	// serializes read-modify-write of project documents
	mu sync.Mutex
}

func New(store storage.Backend) *Service {
	return &Service{store: store, now: time.Now}
}

func docKey(id string) string { return "projects/" + id + "/project.json" }
func blobKey(id string, kind BlobKind) string { return "projects/" + id + "/" + string(kind) + ".json" }

func checkID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Create stores a new, empty project.
func (s *Service) Create(ctx context.Context, name string) (Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Project{}, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	now := s.now().UTC()
	p := Project{ID: uuid.NewString(), Name: name, CreatedAt: now, UpdatedAt: now}
	p.normalize()
	if err := s.write(ctx, p); err != nil {
		return Project{}, err
	}
	log.Info().Str("project", p.ID).Str("name", p.Name).Msg("project created")
	return p, nil
}

// Get loads a project.
func (s *Service) Get(ctx context.Context, id string) (Project, error) {
	if err := checkID(id); err != nil {
		return Project{}, err
	}
	b, err := s.store.Get(ctx, docKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return Project{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Project{}, fmt.Errorf("load project %s: %w", id, err)
	}
	var p Project
	if err := json.Unmarshal(b, &p); err != nil {
		return Project{}, fmt.Errorf("decode project %s: %w", id, err)
	}
	p.normalize()
	return p, nil
}

// List returns all projects, most recently updated first.
func (s *Service) List(ctx context.Context) ([]Project, error) {
	objs, err := s.store.List(ctx, "projects/")
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	out := []Project{}
	for _, obj := range objs {
		if !strings.HasSuffix(obj.Key, "/project.json") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(obj.Key, "projects/"), "/project.json")
		p, err := s.Get(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("project", id).Msg("skipping unreadable project")
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Update replaces the editable parts of a project. ID, CreatedAt and
// Models are owned by the service and kept from the stored copy.
func (s *Service) Update(ctx context.Context, id string, in Project) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.Get(ctx, id)
	if err != nil {
		return Project{}, err
	}
	if name := strings.TrimSpace(in.Name); name != "" {
		p.Name = name
	}
	p.Folders, p.Files, p.Views = in.Folders, in.Files, in.Views
	for i := range p.Folders {
		if p.Folders[i].ID == "" {
			p.Folders[i].ID = uuid.NewString()
		}
	}
	for i := range p.Views {
		if p.Views[i].ID == "" {
			p.Views[i].ID = uuid.NewString()
		}
	}
	p.UpdatedAt = s.now().UTC()
	p.normalize()
	if err := s.write(ctx, p); err != nil {
		return Project{}, err
	}
	return p, nil
}

// AddModel records a trained model, replacing one with the same name.
func (s *Service) AddModel(ctx context.Context, id string, m Model) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.Get(ctx, id)
	if err != nil {
		return Project{}, err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	models := p.Models[:0]
	for _, existing := range p.Models {
		if existing.Name != m.Name {
			models = append(models, existing)
		}
	}
	p.Models = append(models, m)
	p.UpdatedAt = s.now().UTC()
	if err := s.write(ctx, p); err != nil {
		return Project{}, err
	}
	log.Info().Str("project", id).Str("model", m.Name).Str("type", m.Type).Msg("model added")
	return p, nil
}

// Delete removes the project and all of its blobs.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, docKey(id)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("delete project %s: %w", id, err)
	}
	for _, kind := range []BlobKind{Objects, Regions} {
		if err := s.store.Delete(ctx, blobKey(id, kind)); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Warn().Err(err).Str("project", id).Str("kind", string(kind)).Msg("failed to delete blob")
		}
	}
	log.Info().Str("project", id).Msg("project deleted")
	return nil
}

func (s *Service) write(ctx context.Context, p Project) error {
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode project: %w", err)
	}
	if err := s.store.Put(ctx, docKey(p.ID), b, "application/json"); err != nil {
		return fmt.Errorf("save project %s: %w", p.ID, err)
	}
	return nil
}

var emptyBlob = []byte("[]")

// GetBlob returns the stored JSON for kind, or "[]" when nothing was saved.
func (s *Service) GetBlob(ctx context.Context, id string, kind BlobKind) ([]byte, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	b, err := s.store.Get(ctx, blobKey(id, kind))
	if errors.Is(err, storage.ErrNotFound) {
		return emptyBlob, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s for %s: %w", kind, id, err)
	}
	return b, nil
}

// PutBlob stores data verbatim after checking that it is valid JSON.
func (s *Service) PutBlob(ctx context.Context, id string, kind BlobKind, data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 || !json.Valid(data) {
		return fmt.Errorf("%w: body is not valid JSON", ErrInvalidBlob)
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.store.Put(ctx, blobKey(id, kind), data, "application/json"); err != nil {
		return fmt.Errorf("save %s for %s: %w", kind, id, err)
	}
	log.Debug().Str("project", id).Str("kind", string(kind)).Int("bytes", len(data)).Msg("blob saved")
	return nil
}

// DeleteBlob removes the stored JSON; deleting a missing blob is not an error.
func (s *Service) DeleteBlob(ctx context.Context, id string, kind BlobKind) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, blobKey(id, kind)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete %s for %s: %w", kind, id, err)
	}
	return nil
}
