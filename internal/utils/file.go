package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultExt is used for object names whose hint carries no extension.
const DefaultExt = ".jpg"

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// EnsureDir creates a directory if it doesn't exist
func EnsureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}

// GetFileExtension returns the file extension without the dot
func GetFileExtension(filename string) string {
	ext := filepath.Ext(filename)
	if len(ext) > 0 {
		return strings.ToLower(ext[1:])
	}
	return ""
}

var imageExts = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"bmp":  "image/bmp",
	"tiff": "image/tiff",
	"tif":  "image/tiff",
}

// IsImageFile checks if a file has an image extension
func IsImageFile(filename string) bool {
	_, ok := imageExts[GetFileExtension(filename)]
	return ok
}

// ContentTypeForExt returns the MIME type for a file name or extension,
// falling back to image/jpeg.
func ContentTypeForExt(name string) string {
	ext := GetFileExtension(name)
	if ext == "" {
		ext = strings.ToLower(strings.TrimPrefix(name, "."))
	}
	if ct, ok := imageExts[ext]; ok {
		return ct
	}
	return "image/jpeg"
}

// SanitizeStem reduces a name to ASCII letters, digits, underscores and
// hyphens. Accents are stripped first so "café" becomes "cafe".
func SanitizeStem(name string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	clean, _, err := transform.String(t, name)
	if err != nil {
		clean = name
	}
	return unsafeChars.ReplaceAllString(clean, "_")
}

// Timestamp formats t with millisecond precision as YYYYMMDDHHMMSSmmm.
func Timestamp(t time.Time) string {
	return strings.Replace(t.Format("20060102150405.000"), ".", "", 1)
}

// NameClock hands out millisecond timestamps that never repeat, so names
// built from them stay distinct even when several are issued within the same
// millisecond. The zero value is ready to use and safe for concurrent use.
type NameClock struct {
	mu   sync.Mutex
	last time.Time
}

// Next returns now truncated to the millisecond, moved past the last
// timestamp issued when needed.
func (c *NameClock) Next(now time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := now.Truncate(time.Millisecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Millisecond)
	}
	c.last = t
	return t
}

// ObjectName builds a storage key from a name hint: the sanitized stem, an
// underscore, a millisecond timestamp and the hint's extension.
func ObjectName(hint string, t time.Time) string {
	base := filepath.Base(hint)
	if base == "." || base == string(filepath.Separator) {
		base = ""
	}
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if ext == "" || ext == "." {
		ext = DefaultExt
	}

	stem = SanitizeStem(stem)
	if stem == "" {
		stem = "image"
	}
	return fmt.Sprintf("%s_%s%s", stem, Timestamp(t), strings.ToLower(ext))
}

// ListImageFiles recursively lists all image files in a directory
func ListImageFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !info.IsDir() && IsImageFile(path) {
			files = append(files, path)
		}

		return nil
	})

	return files, err
}

// ExpandImagePaths replaces every directory in paths with the image files it
// contains. Plain files are kept in order; directory contents are sorted.
func ExpandImagePaths(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		if !DirExists(p) {
			out = append(out, p)
			continue
		}
		files, err := ListImageFiles(p)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", p, err)
		}
		sort.Strings(files)
		out = append(out, files...)
	}
	return out, nil
}

// FileExists checks if a file exists and is not a directory
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}

// DirExists checks if a directory exists
func DirExists(dirname string) bool {
	info, err := os.Stat(dirname)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && info.IsDir()
}

// FormatFileSize formats file size in human-readable format
func FormatFileSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}

	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
