// Package upload holds the boundary checks applied to submitted statements
// before they touch the filesystem or a response header.
package upload

import (
	"bytes"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	// DefaultName replaces names that sanitise to nothing.
	DefaultName = "statement.pdf"

	// MagicSize is how many leading bytes IsPDF needs to decide.
	MagicSize = 4

	maxNameLength  = 200
	defaultOutExt  = ".ofx"
	inputExtension = ".pdf"
)

var (
	pdfMagic    = []byte("%PDF")
	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
)

// IsPDF reports whether head starts with the PDF magic sequence.
func IsPDF(head []byte) bool {
	if len(head) < MagicSize {
		return false
	}
	return bytes.Equal(head[:MagicSize], pdfMagic)
}

// SanitizeFileName strips directory components, replaces every character
// outside [A-Za-z0-9._-] with an underscore and caps the length.
func SanitizeFileName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	safe := unsafeChars.ReplaceAllString(name, "_")
	if len(safe) > maxNameLength {
		safe = safe[:maxNameLength]
	}
	if safe == "" {
		return DefaultName
	}
	return safe
}

// DownloadName derives the attachment name for an artifact: the stem of the
// original upload plus the artifact's own extension.
func DownloadName(originalName, outputPath string) string {
	ext := filepath.Ext(outputPath)
	if ext == "" {
		ext = defaultOutExt
	}

	name := SanitizeFileName(originalName)
	stem := name
	if strings.EqualFold(filepath.Ext(name), inputExtension) {
		stem = name[:len(name)-len(inputExtension)]
	}
	if stem == "" || stem == "." {
		stem = strings.TrimSuffix(DefaultName, inputExtension)
	}
	return stem + ext
}
