package filetype

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

// Kind groups detected types by how uploads treat them.
type Kind string

const (
	KindPDF    Kind = "pdf"
	KindImage  Kind = "image"
	KindOffice Kind = "office"
	KindOther  Kind = "other"
)

// Info contains detected file type information.
type Info struct {
	MIMEType    string `json:"mime_type"`
	Extension   string `json:"extension"`
	Kind        Kind   `json:"kind"`
	Description string `json:"description"`
}

// NeedsConversion reports whether the file must go through LibreOffice
// before it can be viewed and annotated.
func (i *Info) NeedsConversion() bool { return i.Kind == KindOffice }

// Detector handles file type detection using magic bytes
type Detector struct{}

// New creates a new file type detector
func New() *Detector {
	return &Detector{}
}

var zipOffice = map[string]string{
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".vsdx": "application/vnd.ms-visio.drawing.main+xml",
	".odt":  "application/vnd.oasis.opendocument.text",
	".ods":  "application/vnd.oasis.opendocument.spreadsheet",
	".odp":  "application/vnd.oasis.opendocument.presentation",
}

var oleOffice = map[string]string{
	".doc": "application/msword",
	".xls": "application/vnd.ms-excel",
	".ppt": "application/vnd.ms-powerpoint",
	".vsd": "application/vnd.ms-visio.drawing",
}

var descriptions = map[string]string{
	"application/pdf":                                                           "PDF document",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   "Microsoft Word document",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         "Microsoft Excel spreadsheet",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": "Microsoft PowerPoint presentation",
	"application/msword":                                                        "Microsoft Word document (legacy)",
	"application/vnd.ms-excel":                                                  "Microsoft Excel spreadsheet (legacy)",
	"application/vnd.ms-powerpoint":                                             "Microsoft PowerPoint presentation (legacy)",
	"application/vnd.oasis.opendocument.text":                                   "OpenDocument text",
	"application/vnd.oasis.opendocument.spreadsheet":                            "OpenDocument spreadsheet",
	"application/vnd.oasis.opendocument.presentation":                           "OpenDocument presentation",
	"application/vnd.ms-visio.drawing":                                          "Microsoft Visio drawing",
	"application/vnd.ms-visio.drawing.main+xml":                                 "Microsoft Visio drawing",
	"application/rtf":                                                           "Rich Text Format",
	"text/rtf":                                                                  "Rich Text Format",
}

// Detect identifies data by its magic bytes. name only disambiguates
// container formats (ZIP and OLE) that several office types share.
func (d *Detector) Detect(name string, data []byte) *Info {
	mtype := mimetype.Detect(data)
	mimeType := mtype.String()
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	extension := mtype.Extension()
	ext := strings.ToLower(filepath.Ext(name))

	switch {
	case mimeType == "application/zip" || strings.Contains(mimeType, "application/x-zip"):
		if m, ok := zipOffice[ext]; ok {
			log.Debug().Str("original", mimeType).Str("override", m).Msg("overriding ZIP detection based on extension")
			mimeType, extension = m, ext
		}
	case mimeType == "application/x-ole-storage" || mimeType == "application/x-cfb":
		if m, ok := oleOffice[ext]; ok {
			log.Debug().Str("original", mimeType).Str("override", m).Msg("overriding OLE detection based on extension")
			mimeType, extension = m, ext
		}
	}

	info := &Info{MIMEType: mimeType, Extension: extension}
	classify(info)
	log.Debug().Str("mime", info.MIMEType).Str("kind", string(info.Kind)).Str("file", name).Msg("detected file type")
	return info
}

func classify(info *Info) {
	m := info.MIMEType
	switch {
	case m == "application/pdf":
		info.Kind = KindPDF
	case strings.HasPrefix(m, "image/"):
		info.Kind = KindImage
		info.Description = "Image file"
		return
	case descriptions[m] != "":
		info.Kind = KindOffice
	default:
		info.Kind = KindOther
		info.Description = fmt.Sprintf("Unsupported file type: %s", m)
		return
	}
	info.Description = descriptions[m]
}
