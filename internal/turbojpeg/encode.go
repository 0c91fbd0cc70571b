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

// Package turbojpeg encodes baseline JPEG files, using libjpeg-turbo on
// arm64 (build tag turbojpeg) and image/jpeg everywhere else.
package turbojpeg

import (
	"fmt"
	"image"
	"io"
)

// stripeLines is the number of rows handed to the encoder at once.
const stripeLines = 64

// Encode writes img to w as a baseline JPEG file. Alpha is ignored, callers
// must flatten transparent images first.
func Encode(w io.Writer, img image.Image, quality int) error {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= 0 || height <= 0 {
		return fmt.Errorf("cannot encode empty image (%dx%d)", width, height)
	}
	enc, err := NewEncoder(w, quality, width, height)
	if err != nil {
		return err
	}
	stride := 3 * width
	pix := make([]byte, stride*stripeLines)
	for y := bounds.Min.Y; y < bounds.Max.Y; y += stripeLines {
		lines := stripeLines
		if rest := bounds.Max.Y - y; rest < lines {
			lines = rest
		}
		for l := 0; l < lines; l++ {
			row := pix[l*stride : (l+1)*stride]
			for x := 0; x < width; x++ {
				r, g, b, _ := img.At(bounds.Min.X+x, y+l).RGBA()
				row[3*x+0] = uint8(r >> 8)
				row[3*x+1] = uint8(g >> 8)
				row[3*x+2] = uint8(b >> 8)
			}
		}
		enc.EncodePixels(pix[:lines*stride], lines)
	}
	return enc.Flush()
}
