// Package media decides file extensions for upscale inputs and outputs and
// probes image headers for format and dimensions.
package media

import (
	"errors"
	"path/filepath"
	"strings"
)

// DefaultExtension is used for outputs whose format cannot be inferred.
const DefaultExtension = ".png"

const maxExtensionLen = 10

var ErrUnknownFormat = errors.New("unknown image format")

type Info struct {
	Format string
	Width  int
	Height int
}

func (i Info) Pixels() int64 {
	return int64(i.Width) * int64(i.Height)
}

// SourceExtension returns a lower-cased extension of name containing only
// [a-z0-9], or "" if there is none.
func SourceExtension(name string) string {
	ext := strings.ToLower(filepath.Ext(strings.TrimSpace(filepath.Base(name))))
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" || len(ext) > maxExtensionLen {
		return ""
	}
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return "." + ext
}

// ExtensionForFormat maps a decoder format name to an output extension the
// upscaler can write, or "" when the format has no writable counterpart.
func ExtensionForFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "png":
		return ".png"
	case "jpeg", "jpg":
		return ".jpg"
	case "webp":
		return ".webp"
	default:
		return ""
	}
}

func outputExtensionFromName(name string) string {
	return ExtensionForFormat(strings.TrimPrefix(SourceExtension(name), "."))
}

// OutputExtension picks the extension for the upscaled artifact: the client
// filename first, then the sniffed content of inputPath, then DefaultExtension.
func OutputExtension(filename, inputPath string) string {
	if ext := outputExtensionFromName(filename); ext != "" {
		return ext
	}
	if inputPath != "" {
		if info, err := Probe(inputPath); err == nil {
			if ext := ExtensionForFormat(info.Format); ext != "" {
				return ext
			}
		}
	}
	return DefaultExtension
}
