package backend

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/mediguard-intake/internal/domain"
)

const sniffLen = 512

var kindByMIME = map[string]domain.UploadKind{
	"image/png":       domain.UploadImage,
	"image/jpeg":      domain.UploadImage,
	"application/pdf": domain.UploadPDF,
	"text/csv":        domain.UploadCSV,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": domain.UploadCSV,
	"application/vnd.ms-excel": domain.UploadCSV,
}

var defaultMIME = map[domain.UploadKind]string{
	domain.UploadImage: "application/octet-stream",
	domain.UploadPDF:   "application/pdf",
	domain.UploadCSV:   "text/csv",
}

// DetectUploadKind sniffs the start of body to choose the extraction
// endpoint. Plain text is accepted as CSV only when filename says so.
// The returned reader yields the complete body, sniffed bytes included.
func DetectUploadKind(filename string, body io.Reader) (domain.UploadKind, io.Reader, error) {
	sniffBuf := make([]byte, sniffLen)
	n, err := io.ReadFull(body, sniffBuf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", nil, fmt.Errorf("failed to read file header: %w", err)
	}
	reader := io.MultiReader(bytes.NewReader(sniffBuf[:n]), body)

	if n == 0 {
		return "", nil, domain.NewValidationError("file", "file is empty", filename)
	}

	mime, kind, ok := sniffKind(sniffBuf[:n])
	if ok {
		return kind, reader, nil
	}

	if strings.EqualFold(filepath.Ext(filename), ".csv") && mimetype.Detect(sniffBuf[:n]).Is("text/plain") {
		return domain.UploadCSV, reader, nil
	}

	return "", nil, domain.NewValidationError("file",
		fmt.Sprintf("unsupported file type %s (want PNG, JPEG, PDF, CSV or Excel)", mime), filename)
}

// UploadContentType names the MIME type declared for an upload of kind.
// The sniffed type is used when it belongs to kind; otherwise the kind's
// generic type.
func UploadContentType(kind domain.UploadKind, data []byte) string {
	if len(data) > sniffLen {
		data = data[:sniffLen]
	}
	if mime, sniffed, ok := sniffKind(data); ok && sniffed == kind {
		return mime
	}
	if mime, ok := defaultMIME[kind]; ok {
		return mime
	}
	return "application/octet-stream"
}

// sniffKind reports the accepted MIME type data matches, walking up the
// detected type's parents. When nothing matches the detected type is
// returned with ok false.
func sniffKind(data []byte) (string, domain.UploadKind, bool) {
	detected := mimetype.Detect(data)
	for m := detected; m != nil; m = m.Parent() {
		for mime, kind := range kindByMIME {
			if m.Is(mime) {
				return mime, kind, true
			}
		}
	}
	return detected.String(), "", false
}
