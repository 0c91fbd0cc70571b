// Copyright 2016 Michael Stapelberg and contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package normalize

import (
	"bytes"
	"encoding/binary"
	"mime"
	"path"
	"strings"
)

// Format is an image file format, identified by content.
type Format int

const (
	FormatUnknown Format = iota
	FormatJPEG
	FormatPNG
	FormatGIF
	FormatBMP
	FormatTIFF
	FormatWebP
	FormatHEIC
)

func (f Format) String() string {
	switch f {
	case FormatJPEG:
		return "jpeg"
	case FormatPNG:
		return "png"
	case FormatGIF:
		return "gif"
	case FormatBMP:
		return "bmp"
	case FormatTIFF:
		return "tiff"
	case FormatWebP:
		return "webp"
	case FormatHEIC:
		return "heic"
	default:
		return "<unknown>"
	}
}

// MIMEType returns the canonical MIME type of f.
func (f Format) MIMEType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	case FormatGIF:
		return "image/gif"
	case FormatBMP:
		return "image/bmp"
	case FormatTIFF:
		return "image/tiff"
	case FormatWebP:
		return "image/webp"
	case FormatHEIC:
		return "image/heic"
	default:
		return "application/octet-stream"
	}
}

type signature struct {
	format Format
	offset int
	magic  []byte
}

var signatures = []signature{
	{FormatJPEG, 0, []byte{0xFF, 0xD8, 0xFF}},
	{FormatPNG, 0, []byte("\x89PNG\r\n\x1a\n")},
	{FormatGIF, 0, []byte("GIF87a")},
	{FormatGIF, 0, []byte("GIF89a")},
	{FormatBMP, 0, []byte("BM")},
	{FormatTIFF, 0, []byte("II*\x00")},
	{FormatTIFF, 0, []byte("MM\x00*")},
}

// heicBrands are ISO base media file format brands of HEIC/HEIF still
// images and image sequences.
var heicBrands = map[string]bool{
	"heic": true,
	"heix": true,
	"hevc": true,
	"hevx": true,
	"heim": true,
	"heis": true,
	"hevm": true,
	"hevs": true,
	"mif1": true,
	"msf1": true,
}

// Detect identifies the format of b by its leading bytes. The file name or
// declared MIME type are deliberately not consulted.
func Detect(b []byte) Format {
	for _, sig := range signatures {
		if len(b) >= sig.offset+len(sig.magic) &&
			bytes.Equal(b[sig.offset:sig.offset+len(sig.magic)], sig.magic) {
			return sig.format
		}
	}
	if len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WEBP" {
		return FormatWebP
	}
	if isHEIC(b) {
		return FormatHEIC
	}
	return FormatUnknown
}

// isHEIC inspects the leading ftyp box: size (4 bytes), "ftyp", major brand,
// minor version, compatible brands.
func isHEIC(b []byte) bool {
	if len(b) < 16 || string(b[4:8]) != "ftyp" {
		return false
	}
	size := int(binary.BigEndian.Uint32(b[0:4]))
	if size < 16 || size > len(b) {
		// A truncated box still counts if the major brand is conclusive.
		size = len(b)
	}
	major := string(b[8:12])
	switch major {
	case "avif", "avis":
		return false // AV1 based, not supported
	}
	if heicBrands[major] && major != "mif1" && major != "msf1" {
		return true
	}
	// mif1/msf1 are shared with AVIF, so look for an AV1 brand among the
	// compatible brands.
	for off := 16; off+4 <= size; off += 4 {
		brand := string(b[off : off+4])
		switch {
		case brand == "avif" || brand == "avis":
			return false
		case heicBrands[brand] && brand != "mif1" && brand != "msf1":
			return true
		}
	}
	return heicBrands[major]
}

// supportedTypes lists the MIME types accepted for upload. Aliases which
// are seen in the wild map to the canonical type.
var supportedTypes = map[string]string{
	"image/jpeg":          "image/jpeg",
	"image/jpg":           "image/jpeg",
	"image/pjpeg":         "image/jpeg",
	"image/png":           "image/png",
	"image/gif":           "image/gif",
	"image/bmp":           "image/bmp",
	"image/x-ms-bmp":      "image/bmp",
	"image/tiff":          "image/tiff",
	"image/webp":          "image/webp",
	"image/heic":          "image/heic",
	"image/heif":          "image/heic",
	"image/heic-sequence": "image/heic",
	"image/heif-sequence": "image/heic",
}

var extensionTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".jpe":  "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".webp": "image/webp",
	".heic": "image/heic",
	".heif": "image/heic",
	".hif":  "image/heic",
}

// DeclaredType returns the canonical MIME type for the caller-declared
// type, falling back to the file extension of name when the declared type
// is empty or generic. ok is false if the type is not accepted.
func DeclaredType(declared, name string) (canonical string, ok bool) {
	mediaType := ""
	if declared != "" {
		mt, _, err := mime.ParseMediaType(declared)
		if err != nil {
			return "", false
		}
		mediaType = strings.ToLower(mt)
	}
	if mediaType == "" || mediaType == "application/octet-stream" {
		ext := strings.ToLower(path.Ext(strings.ReplaceAll(name, `\`, "/")))
		canonical, ok = extensionTypes[ext]
		return canonical, ok
	}
	canonical, ok = supportedTypes[mediaType]
	return canonical, ok
}
