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
	"errors"
	"image"
	"image/jpeg"
	"testing"
	"time"

	"github.com/stapelberg/convert2pdf"
	"github.com/stapelberg/convert2pdf/internal/layout"
	"github.com/stapelberg/convert2pdf/internal/normalize"
	"github.com/stapelberg/convert2pdf/internal/pdfcheck"
)

type encoderFunc func(img *normalize.Image, g layout.Geometry) ([]byte, error)

func (f encoderFunc) Encode(img *normalize.Image, g layout.Geometry) ([]byte, error) {
	return f(img, g)
}

func testJPEG(t *testing.T, w, h int) *normalize.Image {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h)), nil); err != nil {
		t.Fatal(err)
	}
	return &normalize.Image{JPEG: buf.Bytes(), Width: w, Height: h, Format: normalize.FormatJPEG}
}

func TestEncoders(t *testing.T) {
	img := testJPEG(t, 400, 300)
	g := layout.Fit(img.Width, img.Height)
	for _, tt := range []struct {
		desc string
		enc  Encoder
	}{
		{"pdf", PDFWriter{}},
		{"gopdf", GoPDF{}},
	} {
		t.Run(tt.desc, func(t *testing.T) {
			b, err := encodeBounded(context.Background(), tt.enc, img, g, time.Minute)
			if err != nil {
				t.Fatal(err)
			}
			info, err := pdfcheck.SinglePage(b)
			if err != nil {
				t.Fatal(err)
			}
			if info.Width != layout.A4Width || info.Height != layout.A4Height {
				t.Errorf("page size = %vx%v, want %vx%v", info.Width, info.Height, layout.A4Width, layout.A4Height)
			}
		})
	}
}

func TestEncodeBounded(t *testing.T) {
	img := testJPEG(t, 10, 10)
	g := layout.Fit(img.Width, img.Height)
	valid, err := PDFWriter{}.Encode(img, g)
	if err != nil {
		t.Fatal(err)
	}
	block := make(chan struct{})
	defer close(block)
	for _, tt := range []struct {
		desc      string
		img       *normalize.Image
		enc       encoderFunc
		want      convert2pdf.Kind
		retryable bool
	}{
		{
			desc: "not a jpeg",
			img:  &normalize.Image{JPEG: []byte("\x89PNG"), Width: 1, Height: 1},
			enc: func(*normalize.Image, layout.Geometry) ([]byte, error) {
				t.Error("encoder called for non-JPEG input")
				return valid, nil
			},
			want: convert2pdf.KindEncodingFailed,
		},
		{
			desc: "encoder error",
			enc: func(*normalize.Image, layout.Geometry) ([]byte, error) {
				return nil, errors.New("out of cheese")
			},
			want: convert2pdf.KindEncodingFailed,
		},
		{
			desc: "encoder panic",
			enc: func(*normalize.Image, layout.Geometry) ([]byte, error) {
				panic("index out of range")
			},
			want: convert2pdf.KindEncodingFailed,
		},
		{
			desc: "timeout",
			enc: func(*normalize.Image, layout.Geometry) ([]byte, error) {
				<-block
				return valid, nil
			},
			want:      convert2pdf.KindEncodingFailed,
			retryable: true,
		},
		{
			desc: "missing header",
			enc: func(*normalize.Image, layout.Geometry) ([]byte, error) {
				return append([]byte("garbage"), valid...), nil
			},
			want: convert2pdf.KindCorruptedOutput,
		},
		{
			desc: "too small",
			enc: func(*normalize.Image, layout.Geometry) ([]byte, error) {
				return []byte("%PDF-1.4\n%%EOF\n"), nil
			},
			want: convert2pdf.KindCorruptedOutput,
		},
	} {
		t.Run(tt.desc, func(t *testing.T) {
			in := tt.img
			if in == nil {
				in = img
			}
			_, err := encodeBounded(context.Background(), tt.enc, in, g, 50*time.Millisecond)
			if got, want := convert2pdf.KindOf(err), tt.want; got != want {
				t.Fatalf("KindOf(%v) = %q, want %q", err, got, want)
			}
			if got, want := convert2pdf.IsRetryable(err), tt.retryable; got != want {
				t.Errorf("IsRetryable(%v) = %v, want %v", err, got, want)
			}
		})
	}
}

func TestEncodeBoundedCanceled(t *testing.T) {
	img := testJPEG(t, 10, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	block := make(chan struct{})
	defer close(block)
	_, err := encodeBounded(ctx, encoderFunc(func(*normalize.Image, layout.Geometry) ([]byte, error) {
		<-block
		return nil, nil
	}), img, layout.Fit(10, 10), time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("encodeBounded = %v, want context.Canceled", err)
	}
}
