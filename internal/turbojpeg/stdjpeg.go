//go:build !(turbojpeg && arm64)

package turbojpeg

import (
	"image"
	"image/jpeg"
	"io"
)

// Encoder buffers RGB rows in memory and encodes them with image/jpeg on
// Flush.
type Encoder struct {
	w       io.Writer
	quality int
	img     *image.RGBA
	yoffset int
}

func NewEncoder(w io.Writer, quality, width, height int) (*Encoder, error) {
	return &Encoder{
		w:       w,
		quality: quality,
		img:     image.NewRGBA(image.Rect(0, 0, width, height)),
	}, nil
}

// EncodePixels appends lines rows of packed RGB pixels.
func (e *Encoder) EncodePixels(pix []byte, lines int) {
	width := e.img.Rect.Dx()
	for y := 0; y < lines && e.yoffset < e.img.Rect.Dy(); y++ {
		src := pix[y*3*width : (y+1)*3*width]
		dst := e.img.Pix[e.yoffset*e.img.Stride : e.yoffset*e.img.Stride+4*width]
		for x := 0; x < width; x++ {
			dst[4*x+0] = src[3*x+0]
			dst[4*x+1] = src[3*x+1]
			dst[4*x+2] = src[3*x+2]
			dst[4*x+3] = 0xff
		}
		e.yoffset++
	}
}

func (e *Encoder) Flush() error {
	return jpeg.Encode(e.w, e.img, &jpeg.Options{
		Quality: e.quality,
	})
}
