package filetype

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

// FileTypeInfo contains detected file type information
type FileTypeInfo struct {
	MIMEType        string
	Extension       string
	IsPDF           bool
	IsTabular       bool
	NeedsConversion bool
	Supported       bool
	Description     string
}

// Kind is a short metrics-friendly name for the detected type.
func (i *FileTypeInfo) Kind() string {
	switch {
	case i.IsPDF:
		return "pdf"
	case i.NeedsConversion:
		return "office"
	case i.IsTabular:
		return "tabular"
	default:
		return "other"
	}
}

// Detector handles file type detection using magic bytes
type Detector struct{}

// New creates a new file type detector
func New() *Detector {
	return &Detector{}
}

// Detect detects the actual file type of data using magic bytes. name is only
// consulted to tell apart container formats (zip, OLE) that share a signature.
func (d *Detector) Detect(data []byte, name string) *FileTypeInfo {
	mtype := mimetype.Detect(data)
	mimeType := mtype.String()
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	extension := mtype.Extension()
	ext := strings.ToLower(filepath.Ext(name))

	log.Debug().Str("mime", mimeType).Str("ext", extension).Str("file", name).Msg("detected file type")

	// ZIP-based Office formats
	if mimeType == "application/zip" || strings.Contains(mimeType, "application/x-zip") {
		switch ext {
		case ".docx":
			mimeType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
		case ".pptx":
			mimeType = "application/vnd.openxmlformats-officedocument.presentationml.presentation"
		case ".xlsx":
			mimeType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
		case ".odt":
			mimeType = "application/vnd.oasis.opendocument.text"
		case ".odp":
			mimeType = "application/vnd.oasis.opendocument.presentation"
		default:
			log.Warn().Str("ext", ext).Msg("ZIP file with unrecognized extension")
		}
		if mimeType != "application/zip" {
			extension = ext
		}
	}

	// OLE/CFB-based legacy Office formats
	if mimeType == "application/x-ole-storage" || mimeType == "application/x-cfb" {
		switch ext {
		case ".doc":
			mimeType = "application/msword"
		case ".ppt":
			mimeType = "application/vnd.ms-powerpoint"
		case ".xls":
			mimeType = "application/vnd.ms-excel"
		default:
			log.Warn().Str("ext", ext).Msg("OLE storage with unrecognized extension")
		}
		if mimeType != "application/x-ole-storage" && mimeType != "application/x-cfb" {
			extension = ext
		}
	}

	// mimetype reports CSV files without quotes or separators on every line as plain text.
	if mimeType == "text/plain" && (ext == ".csv" || ext == ".tsv") {
		mimeType = "text/csv"
		extension = ext
	}

	info := &FileTypeInfo{MIMEType: mimeType, Extension: extension}
	d.classify(info)
	return info
}

// classify determines file characteristics and processing requirements
func (d *Detector) classify(info *FileTypeInfo) {
	mimeType := info.MIMEType

	switch {
	case mimeType == "application/pdf":
		info.IsPDF = true
		info.Supported = true
		info.Description = "PDF document"

	case mimeType == "text/csv", mimeType == "text/tab-separated-values":
		info.IsTabular = true
		info.Supported = true
		info.Description = "Tabular text"

	case mimeType == "text/plain":
		info.IsTabular = true
		info.Supported = true
		info.Description = "Plain text file"

	// Office documents - need LibreOffice conversion before splitting
	case mimeType == "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		mimeType == "application/vnd.openxmlformats-officedocument.presentationml.presentation",
		mimeType == "application/msword",
		mimeType == "application/vnd.ms-powerpoint",
		mimeType == "application/vnd.oasis.opendocument.text",
		mimeType == "application/vnd.oasis.opendocument.presentation",
		mimeType == "application/rtf":
		info.NeedsConversion = true
		info.Supported = true
		info.Description = "Office document"

	case strings.HasPrefix(mimeType, "image/"):
		info.NeedsConversion = true
		info.Supported = true
		info.Description = "Scanned image"

	default:
		info.Supported = false
		info.Description = fmt.Sprintf("Unsupported file type: %s", mimeType)
	}
}

// RequiresConversion checks if data needs LibreOffice conversion to PDF before it can be split.
func (d *Detector) RequiresConversion(data []byte, name string) bool {
	info := d.Detect(data, name)
	return info.Supported && info.NeedsConversion
}
