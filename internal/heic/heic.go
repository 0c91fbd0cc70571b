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

// Package heic decodes HEIC/HEIF photos (as produced by most phone cameras),
// which the image decoders of the standard library cannot read.
package heic

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/jdeng/goheif"
)

// Decoder decodes the primary image of a HEIC/HEIF file.
type Decoder interface {
	DecodeHEIC(ctx context.Context, b []byte) (image.Image, error)
}

// Native decodes in-process using goheif (libde265 via cgo).
type Native struct{}

func (Native) DecodeHEIC(ctx context.Context, b []byte) (img image.Image, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// libde265 is fed untrusted input; goheif panics on some malformed
	// containers.
	defer func() {
		if r := recover(); r != nil {
			img = nil
			err = fmt.Errorf("goheif: %v", r)
		}
	}()
	img, err = goheif.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("goheif: %v", err)
	}
	return img, nil
}

// Exec decodes by running heif-convert from libheif.
type Exec struct {
	// Path to the heif-convert binary. If empty, heif-convert is looked up
	// in $PATH.
	Path string
}

func (e Exec) binary() (string, error) {
	name := "heif-convert"
	if e.Path != "" {
		if strings.ContainsRune(e.Path, filepath.Separator) {
			// The command runs in the temporary directory.
			return filepath.Abs(e.Path)
		}
		name = e.Path
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found: %w", name, err)
	}
	return path, nil
}

func (e Exec) DecodeHEIC(ctx context.Context, b []byte) (image.Image, error) {
	bin, err := e.binary()
	if err != nil {
		return nil, err
	}
	tempDir, err := os.MkdirTemp("", "convert2pdf-heic-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tempDir)

	in := filepath.Join(tempDir, "in.heic")
	out := filepath.Join(tempDir, "out.jpg")
	if err := os.WriteFile(in, b, 0600); err != nil {
		return nil, err
	}
	// Relative file names keep the temporary directory out of error
	// messages, which are shown to the uploader.
	cmd := exec.CommandContext(ctx, bin, "-q", "95", filepath.Base(in), filepath.Base(out))
	cmd.Dir = tempDir
	if output, err := cmd.CombinedOutput(); err != nil {
		if msg := strings.TrimSpace(string(output)); msg != "" {
			return nil, fmt.Errorf("heif-convert: %v: %s", err, msg)
		}
		return nil, fmt.Errorf("heif-convert: %v", err)
	}
	f, err := os.Open(out)
	if err != nil {
		// heif-convert writes out-1.jpg, out-2.jpg, … for files containing
		// more than one top-level image.
		f, err = os.Open(filepath.Join(tempDir, "out-1.jpg"))
		if err != nil {
			return nil, fmt.Errorf("heif-convert produced no output")
		}
	}
	defer f.Close()
	img, err := jpeg.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding heif-convert output: %v", err)
	}
	return img, nil
}

// Fallback tries Primary, and Secondary if Primary fails.
type Fallback struct {
	Primary, Secondary Decoder
}

func (f Fallback) DecodeHEIC(ctx context.Context, b []byte) (image.Image, error) {
	img, err := f.Primary.DecodeHEIC(ctx, b)
	if err == nil {
		return img, nil
	}
	if f.Secondary == nil || ctx.Err() != nil {
		return nil, err
	}
	img, err2 := f.Secondary.DecodeHEIC(ctx, b)
	if err2 != nil {
		return nil, fmt.Errorf("%v; fallback: %v", err, err2)
	}
	return img, nil
}

// ByName returns the decoder configured via the -heic_decoder flag: "native",
// "exec" or "auto" (native, falling back to exec).
func ByName(name, execPath string) (Decoder, error) {
	switch name {
	case "native":
		return Native{}, nil
	case "exec":
		return Exec{Path: execPath}, nil
	case "auto", "":
		return Fallback{Primary: Native{}, Secondary: Exec{Path: execPath}}, nil
	}
	return nil, fmt.Errorf("unknown HEIC decoder %q (want native, exec or auto)", name)
}
