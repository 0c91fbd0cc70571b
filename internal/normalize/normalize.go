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

// Package normalize turns an uploaded image of any supported format into a
// baseline JPEG that fits a DIN A4 page at 300 dpi.
package normalize

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"math"

	"github.com/stapelberg/convert2pdf"
	"github.com/stapelberg/convert2pdf/internal/heic"
	"github.com/stapelberg/convert2pdf/internal/turbojpeg"
	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"
)

// DIN A4 at 300 dpi.
const (
	DefaultMaxWidth  = 2480
	DefaultMaxHeight = 3508
)

const (
	DefaultQuality = 90

	// Decoder bomb guard: the image header is checked against these limits
	// before allocating pixel buffers.
	maxDimension       = 32768
	maxPixels    int64 = 64 * 1024 * 1024
)

// Image is a normalized image: a baseline JPEG file plus its dimensions.
type Image struct {
	JPEG          []byte
	Width, Height int

	// Format is the detected format of the source file.
	Format Format

	SourceWidth, SourceHeight int
}

type codec struct {
	decode       func(io.Reader) (image.Image, error)
	decodeConfig func(io.Reader) (image.Config, error)
}

// defaultCodecs are the decoders for all formats except HEIC, which is
// never passed to a generic decoder.
var defaultCodecs = map[Format]codec{
	FormatJPEG: {jpeg.Decode, jpeg.DecodeConfig},
	FormatPNG:  {png.Decode, png.DecodeConfig},
	FormatGIF:  {gif.Decode, gif.DecodeConfig},
	FormatBMP:  {bmp.Decode, bmp.DecodeConfig},
	FormatTIFF: {tiff.Decode, tiff.DecodeConfig},
	FormatWebP: {webp.Decode, webp.DecodeConfig},
}

// Normalizer decodes, resizes and re-encodes images. The zero value is not
// usable, HEIC must be set. Normalizer is safe for concurrent use.
type Normalizer struct {
	HEIC heic.Decoder

	// MaxWidth and MaxHeight bound the output size (default: A4 at 300 dpi).
	MaxWidth, MaxHeight int

	// Quality is the JPEG quality of the output (default: 90).
	Quality int

	codecs map[Format]codec
}

func (n *Normalizer) maxSize() (int, int) {
	w, h := n.MaxWidth, n.MaxHeight
	if w <= 0 {
		w = DefaultMaxWidth
	}
	if h <= 0 {
		h = DefaultMaxHeight
	}
	return w, h
}

func (n *Normalizer) quality() int {
	if n.Quality <= 0 || n.Quality > 100 {
		return DefaultQuality
	}
	return n.Quality
}

func (n *Normalizer) codec(f Format) (codec, bool) {
	codecs := n.codecs
	if codecs == nil {
		codecs = defaultCodecs
	}
	c, ok := codecs[f]
	return c, ok
}

func checkBounds(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("image has invalid dimensions %dx%d", width, height)
	}
	if width > maxDimension || height > maxDimension {
		return fmt.Errorf("image dimension exceeds limit (%dx%d)", width, height)
	}
	if pixels := int64(width) * int64(height); pixels > maxPixels {
		return fmt.Errorf("image pixel count %d exceeds limit %d", pixels, maxPixels)
	}
	return nil
}

func (n *Normalizer) decode(ctx context.Context, format Format, src []byte) (image.Image, error) {
	if format == FormatHEIC {
		if n.HEIC == nil {
			return nil, &convert2pdf.Error{
				Kind: convert2pdf.KindHeicTranscodeFailed,
				Hint: convert2pdf.HeicHint,
				Err:  fmt.Errorf("no HEIC decoder configured"),
			}
		}
		img, err := n.HEIC.DecodeHEIC(ctx, src)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &convert2pdf.Error{
				Kind: convert2pdf.KindHeicTranscodeFailed,
				Hint: convert2pdf.HeicHint,
				Err:  err,
			}
		}
		return img, nil
	}

	c, ok := n.codec(format)
	if !ok {
		return nil, convert2pdf.Errorf(convert2pdf.KindUnsupportedInputType, "unsupported image format %v", format)
	}
	cfg, err := c.decodeConfig(bytes.NewReader(src))
	if err != nil {
		return nil, convert2pdf.Errorf(convert2pdf.KindCorruptInput, "decoding %v header: %v", format, err)
	}
	if err := checkBounds(cfg.Width, cfg.Height); err != nil {
		return nil, convert2pdf.Wrap(convert2pdf.KindCorruptInput, err)
	}
	img, err := c.decode(bytes.NewReader(src))
	if err != nil {
		return nil, convert2pdf.Errorf(convert2pdf.KindCorruptInput, "decoding %v: %v", format, err)
	}
	return img, nil
}

// Normalize detects the format of src by content, decodes it (HEIC through
// the dedicated decoder), shrinks it to fit MaxWidth×MaxHeight if needed and
// re-encodes it as baseline JPEG. src is not modified.
func (n *Normalizer) Normalize(ctx context.Context, src []byte) (*Image, error) {
	format := Detect(src)
	if format == FormatUnknown {
		return nil, convert2pdf.Errorf(convert2pdf.KindUnsupportedInputType, "unrecognized image format")
	}
	img, err := n.decode(ctx, format, src)
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	if err := checkBounds(bounds.Dx(), bounds.Dy()); err != nil {
		return nil, convert2pdf.Wrap(convert2pdf.KindCorruptInput, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	maxWidth, maxHeight := n.maxSize()
	width, height := FitWithin(bounds.Dx(), bounds.Dy(), maxWidth, maxHeight)
	flat := flatten(img, width, height)

	var buf bytes.Buffer
	if err := turbojpeg.Encode(&buf, flat, n.quality()); err != nil {
		return nil, convert2pdf.Errorf(convert2pdf.KindEncodingFailed, "encoding JPEG: %v", err)
	}
	return &Image{
		JPEG:         buf.Bytes(),
		Width:        width,
		Height:       height,
		Format:       format,
		SourceWidth:  bounds.Dx(),
		SourceHeight: bounds.Dy(),
	}, nil
}

// FitWithin returns the largest size with the aspect ratio of width×height
// that fits within maxWidth×maxHeight, but never larger than width×height.
func FitWithin(width, height, maxWidth, maxHeight int) (int, int) {
	scale := math.Min(math.Min(float64(maxWidth)/float64(width), float64(maxHeight)/float64(height)), 1)
	if scale == 1 {
		return width, height
	}
	w := int(math.Round(float64(width) * scale))
	h := int(math.Round(float64(height) * scale))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	if w > maxWidth {
		w = maxWidth
	}
	if h > maxHeight {
		h = maxHeight
	}
	return w, h
}

// flatten draws img onto a white width×height canvas, resampling if the size
// differs. Transparent areas become white, as they would on paper.
func flatten(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	bounds := img.Bounds()
	if bounds.Dx() == width && bounds.Dy() == height {
		draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Over)
		return dst
	}
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}
