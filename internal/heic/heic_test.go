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

package heic_test

import (
	"context"
	"errors"
	"image"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/stapelberg/convert2pdf/internal/heic"
)

type fakeDecoder struct {
	calls int
	img   image.Image
	err   error
}

func (f *fakeDecoder) DecodeHEIC(ctx context.Context, b []byte) (image.Image, error) {
	f.calls++
	return f.img, f.err
}

func TestFallback(t *testing.T) {
	ctx := context.Background()
	want := image.NewRGBA(image.Rect(0, 0, 2, 2))

	t.Run("PrimarySucceeds", func(t *testing.T) {
		primary := &fakeDecoder{img: want}
		secondary := &fakeDecoder{err: errors.New("must not be called")}
		got, err := heic.Fallback{Primary: primary, Secondary: secondary}.DecodeHEIC(ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("unexpected image returned")
		}
		if secondary.calls != 0 {
			t.Errorf("secondary decoder called %d times, want 0", secondary.calls)
		}
	})

	t.Run("PrimaryFails", func(t *testing.T) {
		primary := &fakeDecoder{err: errors.New("libde265 error")}
		secondary := &fakeDecoder{img: want}
		got, err := heic.Fallback{Primary: primary, Secondary: secondary}.DecodeHEIC(ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("unexpected image returned")
		}
	})

	t.Run("BothFail", func(t *testing.T) {
		primary := &fakeDecoder{err: errors.New("libde265 error")}
		secondary := &fakeDecoder{err: errors.New("heif-convert not found")}
		if _, err := (heic.Fallback{Primary: primary, Secondary: secondary}).DecodeHEIC(ctx, nil); err == nil {
			t.Fatalf("DecodeHEIC unexpectedly succeeded")
		}
	})
}

func TestNative(t *testing.T) {
	b, err := os.ReadFile("testdata/camel.heic")
	if err != nil {
		t.Fatal(err)
	}
	img, err := (heic.Native{}).DecodeHEIC(context.Background(), b)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := img.Bounds().Size(), image.Pt(1596, 1064); got != want {
		t.Errorf("decoded size: got %v, want %v", got, want)
	}
}

func TestNativeRejectsGarbage(t *testing.T) {
	if _, err := (heic.Native{}).DecodeHEIC(context.Background(), []byte("\x00\x00\x00\x18ftypheic garbage")); err == nil {
		t.Fatalf("DecodeHEIC unexpectedly succeeded for garbage input")
	}
}

func TestExecMissingBinary(t *testing.T) {
	e := heic.Exec{Path: "/nonexistent/heif-convert"}
	if _, err := e.DecodeHEIC(context.Background(), []byte("irrelevant")); err == nil {
		t.Fatalf("DecodeHEIC unexpectedly succeeded without heif-convert")
	}
}

func TestExecErrorHidesTempDir(t *testing.T) {
	bin, err := exec.LookPath("false")
	if err != nil {
		t.Skipf("false not found: %v", err)
	}
	_, err = heic.Exec{Path: bin}.DecodeHEIC(context.Background(), []byte("\x00\x00\x00\x18ftypheic"))
	if err == nil {
		t.Fatalf("DecodeHEIC unexpectedly succeeded")
	}
	for _, leak := range []string{os.TempDir(), "convert2pdf-heic-"} {
		if strings.Contains(err.Error(), leak) {
			t.Errorf("error %q contains %q", err, leak)
		}
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"native", "exec", "auto", ""} {
		if _, err := heic.ByName(name, ""); err != nil {
			t.Errorf("ByName(%q): %v", name, err)
		}
	}
	if _, err := heic.ByName("imagemagick", ""); err == nil {
		t.Errorf("ByName(imagemagick) unexpectedly succeeded")
	}
}
