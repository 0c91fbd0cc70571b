//go:build turbojpeg && arm64

package turbojpeg

import (
	"io"

	"github.com/stapelberg/turbojpeg/jpeg"
)

// Encoder streams rows into libjpeg-turbo, so that large pages do not need
// an intermediate RGBA copy.
type Encoder = jpeg.Encoder

func NewEncoder(w io.Writer, quality, width, height int) (*Encoder, error) {
	return jpeg.NewRGBEncoder(w, &jpeg.EncoderOptions{
		Quality: quality,
	}, width, height)
}
