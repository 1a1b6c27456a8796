package attachments

import (
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const maxNameLength = 255

// MsgInvalidType is reported for a disallowed content type or an extension that does not
// belong to it.
const MsgInvalidType = "Invalid content type or file extension mismatch"

// MsgContentMismatch is reported when the bytes do not look like the declared type.
const MsgContentMismatch = "File content does not match the declared content type"

// AllowedTypes maps each accepted content type to its permitted extensions.
var AllowedTypes = map[string][]string{
	"image/jpeg":       {".jpg", ".jpeg"},
	"image/png":        {".png"},
	"image/gif":        {".gif"},
	"image/webp":       {".webp"},
	"application/pdf":  {".pdf"},
	"text/plain":       {".txt"},
	"text/markdown":    {".md"},
	"text/javascript":  {".js", ".jsx"},
	"text/typescript":  {".ts", ".tsx"},
	"text/python":      {".py"},
	"application/json": {".json"},
	"text/csv":         {".csv"},
}

var (
	unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9.-]`)
	repeatedDots    = regexp.MustCompile(`\.{2,}`)
)

// SanitizeFileName replaces anything outside [a-zA-Z0-9.-] with an underscore,
// collapses runs of dots and truncates to 255 characters.
func SanitizeFileName(name string) string {
	s := unsafeNameChars.ReplaceAllString(name, "_")
	s = repeatedDots.ReplaceAllString(s, ".")
	if len(s) > maxNameLength {
		s = s[:maxNameLength]
	}
	return s
}

// FileExtension returns the lower-cased extension of name including the dot.
func FileExtension(name string) string {
	return strings.ToLower(filepath.Ext(name))
}

// normalizeContentType lower-cases the type and drops any parameters.
func normalizeContentType(contentType string) string {
	ct, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(ct))
}

// SizeLimitMessage formats the size rejection the way clients display it.
func SizeLimitMessage(maxSize int64) string {
	mb := strconv.FormatFloat(float64(maxSize)/(1024*1024), 'f', -1, 64)
	return fmt.Sprintf("File size exceeds maximum allowed size of %sMB", mb)
}

// Metadata is what the client declared about an upload.
type Metadata struct {
	Name        string
	Size        int64
	ContentType string
}

// Validated is an accepted upload description.
type Validated struct {
	Name        string
	ContentType string
	Extension   string
}

// Validate checks the declared metadata. A negative Size means unknown and is
// enforced later while the stream is stored.
func Validate(meta Metadata, maxSize int64) (*Validated, error) {
	name := SanitizeFileName(meta.Name)
	if meta.Size > maxSize {
		return nil, validationError(name, SizeLimitMessage(maxSize))
	}
	ct := normalizeContentType(meta.ContentType)
	exts, ok := AllowedTypes[ct]
	ext := FileExtension(meta.Name)
	if !ok || !slices.Contains(exts, ext) {
		return nil, validationError(name, MsgInvalidType)
	}
	return &Validated{Name: name, ContentType: ct, Extension: ext}, nil
}

// ContentMatches reports whether head, the first bytes of a file, is consistent with the
// allowed contentType. Binary formats must be detected as exactly that type; text formats
// only have to be text, since sniffing cannot tell python from plain text.
func ContentMatches(contentType string, head []byte) bool {
	detected := mimetype.Detect(head)
	if !strings.HasPrefix(contentType, "text/") && contentType != "application/json" {
		return detected.Is(contentType)
	}
	for m := detected; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}
