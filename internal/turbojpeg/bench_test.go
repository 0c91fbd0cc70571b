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

package turbojpeg_test

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stapelberg/convert2pdf/internal/turbojpeg"
)

func gradient(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 0x40, A: 0xff})
		}
	}
	return img
}

func TestEncode(t *testing.T) {
	// 130 rows: two full stripes plus a partial one
	img := gradient(70, 130)
	var buf bytes.Buffer
	if err := turbojpeg.Encode(&buf, img, 90); err != nil {
		t.Fatal(err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := cfg.Width, 70; got != want {
		t.Errorf("unexpected width: got %d, want %d", got, want)
	}
	if got, want := cfg.Height, 130; got != want {
		t.Errorf("unexpected height: got %d, want %d", got, want)
	}
}

func TestEncodeOffsetBounds(t *testing.T) {
	img := gradient(100, 100).SubImage(image.Rect(10, 20, 60, 40))
	var buf bytes.Buffer
	if err := turbojpeg.Encode(&buf, img, 90); err != nil {
		t.Fatal(err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Width != 50 || cfg.Height != 20 {
		t.Errorf("unexpected size: got %dx%d, want 50x20", cfg.Width, cfg.Height)
	}
}

func TestEncodeEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := turbojpeg.Encode(&buf, image.NewRGBA(image.Rectangle{}), 90); err == nil {
		t.Fatalf("Encode unexpectedly succeeded for an empty image")
	}
}

func BenchmarkEncode(b *testing.B) {
	img := gradient(2480, 3508)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var buf bytes.Buffer
		const quality = 90
		if err := turbojpeg.Encode(&buf, img, quality); err != nil {
			b.Fatal(err)
		}
	}
}
