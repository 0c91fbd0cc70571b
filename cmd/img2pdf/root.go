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

package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/spf13/cobra"
	"github.com/stapelberg/convert2pdf"
	"github.com/stapelberg/convert2pdf/internal/convert"
	"github.com/stapelberg/convert2pdf/internal/heic"
	"github.com/stapelberg/convert2pdf/internal/normalize"
	"github.com/stapelberg/convert2pdf/internal/pdfcheck"
)

var rootCmd = &cobra.Command{
	Use:   "img2pdf",
	Short: "Convert images to single-page A4 PDF files",
	Long: `img2pdf converts one image (JPEG, PNG, GIF, BMP, TIFF, WebP, HEIC) into a
single-page A4 PDF with the image centered at its aspect ratio.

The conversion runs locally. Use "img2pdf upload" to store the result on a
convert2pdfd server.`,
	SilenceUsage: true,
}

var (
	outputFile    string
	encoderName   string
	declaredType  string
	heicDecoder   string
	heifConvert   string
	encodeTimeout time.Duration
	overwrite     bool
)

var convertCmd = &cobra.Command{
	Use:   "convert <image>",
	Short: "Convert an image into a PDF file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return convertFile(cmd.Context(), args[0])
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <file.pdf>...",
	Short: "Validate PDF files and print their page count and dimensions",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var failed bool
		for _, fn := range args {
			b, err := os.ReadFile(fn)
			if err != nil {
				return err
			}
			info, err := pdfcheck.Inspect(b)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", fn, err)
				failed = true
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: PDF %s, %d page(s), %gx%g pt\n",
				fn, info.Version, info.Pages, info.Width, info.Height)
		}
		if failed {
			return fmt.Errorf("some files are not valid PDFs")
		}
		return nil
	},
}

func init() {
	convertCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output PDF file (default: <image> with .pdf extension)")
	convertCmd.Flags().StringVar(&encoderName, "encoder", "gopdf", "PDF encoder: 'gopdf' or 'pdf' (the encoder convert2pdfd uses)")
	convertCmd.Flags().StringVar(&declaredType, "type", "", "MIME type of the image (default: derived from the file name)")
	convertCmd.Flags().StringVar(&heicDecoder, "heic-decoder", "auto", "HEIC decoder: 'native', 'exec' or 'auto'")
	convertCmd.Flags().StringVar(&heifConvert, "heif-convert", "", "Path to the heif-convert binary (default: look up in $PATH)")
	convertCmd.Flags().DurationVar(&encodeTimeout, "encode-timeout", convert.DefaultEncodeTimeout, "Deadline for encoding the PDF")
	convertCmd.Flags().BoolVarP(&overwrite, "force", "f", false, "Overwrite an existing output file")

	rootCmd.AddCommand(convertCmd, inspectCmd, uploadCmd)
}

func encoderByName(name string) (convert.Encoder, error) {
	switch name {
	case "gopdf":
		return convert.GoPDF{}, nil
	case "pdf":
		return convert.PDFWriter{}, nil
	}
	return nil, fmt.Errorf("unknown encoder %q (must be 'gopdf' or 'pdf')", name)
}

func convertFile(ctx context.Context, fn string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	enc, err := encoderByName(encoderName)
	if err != nil {
		return err
	}
	hd, err := heic.ByName(heicDecoder, heifConvert)
	if err != nil {
		return err
	}
	b, err := os.ReadFile(fn)
	if err != nil {
		return err
	}
	typ := declaredType
	if typ == "" {
		typ = mime.TypeByExtension(strings.ToLower(filepath.Ext(fn)))
	}

	out := outputFile
	if out == "" {
		out = filepath.Join(filepath.Dir(fn), convert2pdf.PDFName(fn))
	}
	if !overwrite {
		if _, err := os.Stat(out); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", out)
		}
	}

	c := convert.New(convert.Options{
		Normalizer:    &normalize.Normalizer{HEIC: hd},
		Encoder:       enc,
		EncodeTimeout: encodeTimeout,
		MaxConcurrent: 1,
	})
	pdf, g, err := c.ConvertLocal(ctx, &convert2pdf.Request{
		Source:       b,
		Name:         filepath.Base(fn),
		DeclaredType: typ,
	})
	if err != nil {
		if hint := convert2pdf.HintOf(err); hint != "" {
			return fmt.Errorf("%v\n%s", err, hint)
		}
		return err
	}
	if err := renameio.WriteFile(out, pdf, 0644); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%d bytes, image %gx%g pt at %g,%g)\n",
		out, len(pdf), g.DrawWidth, g.DrawHeight, g.DrawX, g.DrawY)
	return nil
}
