package upload

import (
	"bytes"

	"github.com/pkg/errors"
)

var ErrUnsupportedFormat = errors.New("upload: unsupported image format")

// ImageFormat is the sniffed type of an uploaded body.
type ImageFormat struct {
	Ext  string
	MIME string
}

var (
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	pngMagic  = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	gifMagic  = []byte("GIF8")
	riffMagic = []byte("RIFF")
	webpMagic = []byte("WEBP")
)

// Sniff decides the image format from magic bytes alone; the client's
// declared content type is never trusted. Only jpeg, png, gif and webp are
// accepted, and anything that parses as markup (a disguised SVG) is
// rejected outright.
func Sniff(head []byte) (ImageFormat, error) {
	if looksLikeMarkup(head) {
		return ImageFormat{}, ErrUnsupportedFormat
	}
	switch {
	case bytes.HasPrefix(head, jpegMagic):
		return ImageFormat{Ext: ".jpg", MIME: "image/jpeg"}, nil
	case bytes.HasPrefix(head, pngMagic):
		return ImageFormat{Ext: ".png", MIME: "image/png"}, nil
	case bytes.HasPrefix(head, gifMagic):
		return ImageFormat{Ext: ".gif", MIME: "image/gif"}, nil
	case bytes.HasPrefix(head, riffMagic) && len(head) >= 12 && bytes.Equal(head[8:12], webpMagic):
		return ImageFormat{Ext: ".webp", MIME: "image/webp"}, nil
	}
	return ImageFormat{}, ErrUnsupportedFormat
}

// looksLikeMarkup catches SVG (and any XML/HTML) bodies regardless of
// leading whitespace or a UTF-8 BOM.
func looksLikeMarkup(head []byte) bool {
	trimmed := bytes.TrimLeft(bytes.TrimPrefix(head, []byte{0xEF, 0xBB, 0xBF}), " \t\r\n")
	return bytes.HasPrefix(trimmed, []byte("<"))
}
