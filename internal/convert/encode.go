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

package convert

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/signintech/gopdf"
	"github.com/stapelberg/convert2pdf"
	"github.com/stapelberg/convert2pdf/internal/layout"
	"github.com/stapelberg/convert2pdf/internal/normalize"
	"github.com/stapelberg/convert2pdf/internal/pdf"
)

// DefaultEncodeTimeout bounds a single PDF encoding step.
const DefaultEncodeTimeout = 10 * time.Second

// minPDFSize is the size below which an encoder result cannot contain an
// image page.
const minPDFSize = 100

// An Encoder produces a single-page PDF showing img as described by g.
type Encoder interface {
	Encode(img *normalize.Image, g layout.Geometry) ([]byte, error)
}

// PDFWriter encodes with the minimal PDF writer in internal/pdf. The JPEG
// data is embedded verbatim.
type PDFWriter struct {
	// Now returns the creation date recorded in the document. Defaults to
	// time.Now.
	Now func() time.Time
}

func (w PDFWriter) Encode(img *normalize.Image, g layout.Geometry) ([]byte, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	var buf bytes.Buffer
	mediaBox := [4]float64{0, 0, g.PageWidth, g.PageHeight}
	placement := pdf.Placement{
		X:      g.DrawX,
		Y:      g.DrawY,
		Width:  g.DrawWidth,
		Height: g.DrawHeight,
	}
	if err := pdf.WriteImagePage(&buf, img.JPEG, mediaBox, placement, now()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GoPDF encodes with github.com/signintech/gopdf.
type GoPDF struct{}

func (GoPDF) Encode(img *normalize.Image, g layout.Geometry) ([]byte, error) {
	var doc gopdf.GoPdf
	doc.Start(gopdf.Config{
		PageSize: gopdf.Rect{W: g.PageWidth, H: g.PageHeight},
	})
	doc.SetInfo(gopdf.PdfInfo{
		Producer:     pdf.Producer,
		CreationDate: time.Now(),
	})
	doc.AddPage()
	holder, err := gopdf.ImageHolderByBytes(img.JPEG)
	if err != nil {
		return nil, err
	}
	// gopdf measures y from the top edge of the page.
	top := g.PageHeight - g.DrawY - g.DrawHeight
	if err := doc.ImageByHolder(holder, g.DrawX, top, &gopdf.Rect{W: g.DrawWidth, H: g.DrawHeight}); err != nil {
		return nil, err
	}
	return doc.GetBytesPdfReturnErr()
}

type encodeResult struct {
	b   []byte
	err error
}

// encodeBounded runs enc with a deadline and checks its result. Encoders
// cannot be interrupted, so a timed out encoder finishes in the background
// and its result is discarded.
func encodeBounded(ctx context.Context, enc Encoder, img *normalize.Image, g layout.Geometry, timeout time.Duration) ([]byte, error) {
	if !bytes.HasPrefix(img.JPEG, []byte{0xFF, 0xD8}) {
		return nil, convert2pdf.Errorf(convert2pdf.KindEncodingFailed, "encoder input is not a JPEG file")
	}
	if timeout <= 0 {
		timeout = DefaultEncodeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan encodeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- encodeResult{err: fmt.Errorf("encoder panic: %v", r)}
			}
		}()
		b, err := enc.Encode(img, g)
		done <- encodeResult{b, err}
	}()

	var res encodeResult
	select {
	case res = <-done:
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &convert2pdf.Error{
				Kind:      convert2pdf.KindEncodingFailed,
				Retryable: true,
				Err:       fmt.Errorf("encoding did not finish within %v", timeout),
			}
		}
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, convert2pdf.Wrap(convert2pdf.KindEncodingFailed, res.err)
	}
	if !bytes.HasPrefix(res.b, []byte("%PDF-")) {
		return nil, convert2pdf.Errorf(convert2pdf.KindCorruptedOutput, "encoder output lacks %%PDF- header")
	}
	if len(res.b) <= minPDFSize {
		return nil, convert2pdf.Errorf(convert2pdf.KindCorruptedOutput, "encoder output too small (%d bytes)", len(res.b))
	}
	return res.b, nil
}
