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

// Package layout places an image on a DIN A4 page: scaled uniformly to fit,
// centered on both axes and never enlarged.
package layout

import "math"

// DIN A4 in PDF points (1/72 inch).
const (
	A4Width  = 595
	A4Height = 842
)

// Geometry describes where an image of Width×Height pixels is drawn on the
// page. All page values are in points, with the origin in the lower left
// corner. As the image is centered, DrawY is also the distance from the top.
type Geometry struct {
	PageWidth, PageHeight float64

	// Width and Height are the image dimensions in pixels.
	Width, Height int

	Scale      float64
	DrawX      float64
	DrawY      float64
	DrawWidth  float64
	DrawHeight float64
}

// Fit returns the geometry for an image of width×height pixels (one pixel
// per point at Scale 1) on an A4 page. width and height must be positive.
func Fit(width, height int) Geometry {
	return FitPage(width, height, A4Width, A4Height)
}

// FitPage is like Fit, but for an arbitrary page size.
func FitPage(width, height int, pageWidth, pageHeight float64) Geometry {
	w, h := float64(width), float64(height)
	scale := math.Min(math.Min(pageWidth/w, pageHeight/h), 1)
	return Geometry{
		PageWidth:  pageWidth,
		PageHeight: pageHeight,
		Width:      width,
		Height:     height,
		Scale:      scale,
		DrawX:      (pageWidth - w*scale) / 2,
		DrawY:      (pageHeight - h*scale) / 2,
		DrawWidth:  w * scale,
		DrawHeight: h * scale,
	}
}
