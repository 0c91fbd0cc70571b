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

package pdf

import (
	"bytes"
	"fmt"
	"image/color"
	"image/jpeg"
	"io"
	"time"
)

// Placement is the rectangle (in points, origin lower left) an image is
// drawn into.
type Placement struct {
	X, Y, Width, Height float64
}

// Producer is recorded in the document information dictionary.
const Producer = "https://github.com/stapelberg/convert2pdf"

// jpegColorSpace returns the PDF color space matching the components of
// the specified JPEG file.
func jpegColorSpace(jpegBytes []byte) (width, height int, colorSpace string, _ error) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(jpegBytes))
	if err != nil {
		return 0, 0, "", err
	}
	switch cfg.ColorModel {
	case color.GrayModel:
		colorSpace = "DeviceGray"
	case color.CMYKModel:
		colorSpace = "DeviceCMYK"
	default:
		colorSpace = "DeviceRGB"
	}
	return cfg.Width, cfg.Height, colorSpace, nil
}

// WriteImagePage writes a single-page PDF document to w. The page has the
// specified mediaBox and shows jpegBytes (a complete JPEG file, embedded
// as-is) at placement.
func WriteImagePage(w io.Writer, jpegBytes []byte, mediaBox [4]float64, placement Placement, created time.Time) error {
	width, height, colorSpace, err := jpegColorSpace(jpegBytes)
	if err != nil {
		return fmt.Errorf("reading JPEG header: %v", err)
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("JPEG has invalid dimensions %dx%d", width, height)
	}
	const imageName = "Im0"
	content := fmt.Sprintf("q %s 0 0 %s %s %s cm /%s Do Q\n",
		Number(placement.Width),
		Number(placement.Height),
		Number(placement.X),
		Number(placement.Y),
		imageName)
	doc := &Catalog{
		Common: Common{ObjectName: "catalog"},
		Pages: &Pages{
			Common: Common{ObjectName: "pages"},
			Kids: []Object{
				&Page{
					Common:   Common{ObjectName: "page0"},
					MediaBox: mediaBox,
					Resources: []Object{
						&Image{
							Common: Common{
								ObjectName: imageName,
								Stream:     jpegBytes,
							},
							Width:            width,
							Height:           height,
							ColorSpace:       colorSpace,
							BitsPerComponent: 8,
							Filter:           "DCTDecode",
						},
					},
					Parent: "pages",
					Contents: []Object{
						&Common{
							ObjectName: "content0",
							Stream:     []byte(content),
						},
					},
				},
			},
		},
	}
	info := &DocumentInfo{
		Common:       Common{ObjectName: "info"},
		CreationDate: created,
		Producer:     Producer,
	}
	return NewEncoder(w).Encode(doc, info)
}
