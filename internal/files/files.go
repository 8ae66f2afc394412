// Package files is the virtual file system of uploaded documents.
package files

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"

	"github.com/local/pidly/internal/converter"
	"github.com/local/pidly/internal/filetype"
	"github.com/local/pidly/internal/metrics"
	"github.com/local/pidly/internal/pdfops"
	"github.com/local/pidly/internal/storage"
)

var (
	ErrNotFound    = errors.New("file not found")
	ErrExists      = errors.New("file already exists")
	ErrInvalidName = errors.New("invalid file name")
	ErrUnsupported = errors.New("unsupported file type")
	ErrTooLarge    = errors.New("file too large")
)

const (
	blobPrefix = "files/"
	metaPrefix = "filemeta/"
	maxSegment = 255
)

// Info is the metadata sidecar stored next to every file.
type Info struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type"`
	Kind         string    `json:"kind"`
	Pages        int       `json:"pages,omitempty"`
	HasText      bool      `json:"has_text"`
	OriginalName string    `json:"original_name,omitempty"`
	UploadedAt   time.Time `json:"uploaded_at"`
}

// Converter turns office documents into PDF.
type Converter interface {
	ConvertToPDF(ctx context.Context, name string, data []byte) ([]byte, error)
}

// Options configures a Service.
type Options struct {
	MaxBytes int64
	// Converter is optional; without it office uploads are rejected.
	Converter Converter
}

// Service stores uploaded documents in a storage backend.
type Service struct {
	store    storage.Backend
	detector *filetype.Detector
	conv     Converter
	maxBytes int64
	now      func() time.Time
}

func New(store storage.Backend, opts Options) *Service {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 100 << 20
	}
	return &Service{
		store:    store,
		detector: filetype.New(),
		conv:     opts.Converter,
		maxBytes: opts.MaxBytes,
		now:      time.Now,
	}
}

// CleanName normalizes a user supplied path. Folders are separated by "/".
func CleanName(name string) (string, error) {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	var parts []string
	for _, seg := range strings.Split(name, "/") {
		seg = strings.TrimSpace(strings.Map(func(r rune) rune {
			if unicode.IsControl(r) || strings.ContainsRune(`<>:"|?*`, r) {
				return -1
			}
			return r
		}, seg))
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
		if len(seg) > maxSegment {
			return "", fmt.Errorf("%w: segment longer than %d bytes", ErrInvalidName, maxSegment)
		}
		parts = append(parts, seg)
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return strings.Join(parts, "/"), nil
}

func blobKey(name string) string { return blobPrefix + name }
func metaKey(name string) string { return metaPrefix + name + ".json" }

// Upload stores the document read from r under folder/name. Office
// documents are converted to PDF when a converter is configured and then
// stored with a .pdf extension. An existing file with the same name is
// replaced.
func (s *Service) Upload(ctx context.Context, folder, name string, r io.Reader) (Info, error) {
	clean, err := CleanName(path.Join(folder, name))
	if err != nil {
		return Info{}, err
	}
	data, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return Info{}, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return Info{}, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.maxBytes)
	}
	if len(data) == 0 {
		return Info{}, fmt.Errorf("%w: empty file", ErrUnsupported)
	}

	ft := s.detector.Detect(clean, data)
	info := Info{Name: clean, ContentType: ft.MIMEType, Kind: string(ft.Kind), UploadedAt: s.now().UTC()}
	switch ft.Kind {
	case filetype.KindPDF, filetype.KindImage:
	case filetype.KindOffice:
		if s.conv == nil {
			return Info{}, fmt.Errorf("%w: %s (office conversion disabled)", ErrUnsupported, ft.Description)
		}
		if !converter.IsSupported(path.Ext(clean)) {
			return Info{}, fmt.Errorf("%w: %s needs its office extension to be converted", ErrUnsupported, ft.Description)
		}
		pdf, err := s.conv.ConvertToPDF(ctx, path.Base(clean), data)
		if err != nil {
			return Info{}, fmt.Errorf("convert %s: %w", clean, err)
		}
		info.OriginalName = clean
		info.Name = strings.TrimSuffix(clean, path.Ext(clean)) + ".pdf"
		info.ContentType = "application/pdf"
		info.Kind = string(filetype.KindPDF)
		data = pdf
	default:
		return Info{}, fmt.Errorf("%w: %s", ErrUnsupported, ft.Description)
	}
	info.Size = int64(len(data))

	if info.Kind == string(filetype.KindPDF) {
		s.inspectPDF(&info, data)
	}
	if err := s.store.Put(ctx, blobKey(info.Name), data, info.ContentType); err != nil {
		return Info{}, fmt.Errorf("store %s: %w", info.Name, err)
	}
	if err := s.writeInfo(ctx, info); err != nil {
		return Info{}, err
	}
	metrics.IncUpload(string(ft.Kind))
	log.Info().Str("file", info.Name).Str("content_type", info.ContentType).Int64("size", info.Size).Int("pages", info.Pages).Msg("file uploaded")
	return info, nil
}

// inspectPDF fills page count and text layer presence; failures only
// leave the fields empty.
func (s *Service) inspectPDF(info *Info, data []byte) {
	if n, err := pdfops.PageCount(data); err == nil {
		info.Pages = n
	} else {
		log.Warn().Err(err).Str("file", info.Name).Msg("page count failed")
	}
	if has, _, err := pdfops.HasTextLayer(data, 0); err == nil {
		info.HasText = has
	} else {
		log.Warn().Err(err).Str("file", info.Name).Msg("text layer probe failed")
	}
}

// Replace overwrites the bytes of an existing PDF, refreshing its sidecar.
func (s *Service) Replace(ctx context.Context, name string, data []byte) (Info, error) {
	info, err := s.Info(ctx, name)
	if err != nil {
		return Info{}, err
	}
	info.Size = int64(len(data))
	info.UploadedAt = s.now().UTC()
	s.inspectPDF(&info, data)
	if err := s.store.Put(ctx, blobKey(info.Name), data, info.ContentType); err != nil {
		return Info{}, fmt.Errorf("store %s: %w", info.Name, err)
	}
	return info, s.writeInfo(ctx, info)
}

// Create stores data as a new PDF; it fails if name exists.
func (s *Service) Create(ctx context.Context, name string, data []byte) (Info, error) {
	clean, err := CleanName(name)
	if err != nil {
		return Info{}, err
	}
	if ok, err := storage.Exists(ctx, s.store, blobKey(clean)); err != nil {
		return Info{}, err
	} else if ok {
		return Info{}, fmt.Errorf("%w: %s", ErrExists, clean)
	}
	info := Info{Name: clean, Size: int64(len(data)), ContentType: "application/pdf", Kind: string(filetype.KindPDF), UploadedAt: s.now().UTC()}
	s.inspectPDF(&info, data)
	if err := s.store.Put(ctx, blobKey(clean), data, info.ContentType); err != nil {
		return Info{}, fmt.Errorf("store %s: %w", clean, err)
	}
	return info, s.writeInfo(ctx, info)
}

func (s *Service) writeInfo(ctx context.Context, info Info) error {
	b, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := s.store.Put(ctx, metaKey(info.Name), b, "application/json"); err != nil {
		return fmt.Errorf("store metadata for %s: %w", info.Name, err)
	}
	return nil
}

// Info returns the metadata of name. Blobs without a sidecar get one
// synthesized from the storage listing.
func (s *Service) Info(ctx context.Context, name string) (Info, error) {
	clean, err := CleanName(name)
	if err != nil {
		return Info{}, err
	}
	obj, err := s.store.Stat(ctx, blobKey(clean))
	if errors.Is(err, storage.ErrNotFound) {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, clean)
	}
	if err != nil {
		return Info{}, err
	}
	return s.infoFor(ctx, clean, obj), nil
}

func (s *Service) infoFor(ctx context.Context, name string, obj storage.ObjectInfo) Info {
	if b, err := s.store.Get(ctx, metaKey(name)); err == nil {
		var info Info
		if err := json.Unmarshal(b, &info); err == nil {
			info.Name = name
			return info
		}
		log.Warn().Str("file", name).Msg("ignoring unreadable metadata sidecar")
	}
	info := Info{Name: name, Size: obj.Size, ContentType: obj.ContentType, UploadedAt: obj.ModTime}
	switch {
	case info.ContentType == "application/pdf" || strings.EqualFold(path.Ext(name), ".pdf"):
		info.Kind = string(filetype.KindPDF)
	case strings.HasPrefix(info.ContentType, "image/"):
		info.Kind = string(filetype.KindImage)
	default:
		info.Kind = string(filetype.KindOther)
	}
	return info
}

// List returns the files whose name starts with prefix.
func (s *Service) List(ctx context.Context, prefix string) ([]Info, error) {
	prefix = strings.TrimPrefix(strings.ReplaceAll(prefix, "\\", "/"), "/")
	objs, err := s.store.List(ctx, blobPrefix+prefix)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	out := make([]Info, 0, len(objs))
	for _, obj := range objs {
		name := strings.TrimPrefix(obj.Key, blobPrefix)
		out = append(out, s.infoFor(ctx, name, obj))
	}
	return out, nil
}

// Open returns the bytes and metadata of name.
func (s *Service) Open(ctx context.Context, name string) ([]byte, Info, error) {
	info, err := s.Info(ctx, name)
	if err != nil {
		return nil, Info{}, err
	}
	data, err := s.store.Get(ctx, blobKey(info.Name))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, Info{}, fmt.Errorf("%w: %s", ErrNotFound, info.Name)
	}
	if err != nil {
		return nil, Info{}, err
	}
	return data, info, nil
}

// Rename moves a file; the target must not exist.
func (s *Service) Rename(ctx context.Context, oldName, newName string) (Info, error) {
	info, err := s.Info(ctx, oldName)
	if err != nil {
		return Info{}, err
	}
	target, err := CleanName(newName)
	if err != nil {
		return Info{}, err
	}
	if target == info.Name {
		return info, nil
	}
	if ok, err := storage.Exists(ctx, s.store, blobKey(target)); err != nil {
		return Info{}, err
	} else if ok {
		return Info{}, fmt.Errorf("%w: %s", ErrExists, target)
	}
	if err := s.store.Rename(ctx, blobKey(info.Name), blobKey(target)); err != nil {
		return Info{}, fmt.Errorf("rename %s: %w", info.Name, err)
	}
	if err := s.store.Delete(ctx, metaKey(info.Name)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Warn().Err(err).Str("file", info.Name).Msg("failed to remove old metadata")
	}
	old := info.Name
	info.Name = target
	if err := s.writeInfo(ctx, info); err != nil {
		return Info{}, err
	}
	log.Info().Str("from", old).Str("to", target).Msg("file renamed")
	return info, nil
}

// Delete removes a file and its metadata.
func (s *Service) Delete(ctx context.Context, name string) error {
	clean, err := CleanName(name)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, blobKey(clean)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, clean)
		}
		return err
	}
	if err := s.store.Delete(ctx, metaKey(clean)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Warn().Err(err).Str("file", clean).Msg("failed to remove metadata")
	}
	log.Info().Str("file", clean).Msg("file deleted")
	return nil
}
