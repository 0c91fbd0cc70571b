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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/stapelberg/convert2pdf"
	"github.com/stapelberg/convert2pdf/internal/httperr"
	"github.com/stapelberg/convert2pdf/internal/pdfcheck"
)

var (
	serverURL string
	userName  string
	token     string
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file.pdf>",
	Short: "Store a converted PDF on a convert2pdfd server",
	Long: `upload validates a PDF produced by "img2pdf convert" and stores it on a
convert2pdfd server, recorded as a client-side conversion.

Authenticate with --token, or with --user and the password from the
IMG2PDF_PASSWORD environment variable (prompted on stdin otherwise).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		if _, err := pdfcheck.SinglePage(b); err != nil {
			return fmt.Errorf("%s: %v", args[0], err)
		}
		cl := &client{base: strings.TrimSuffix(serverURL, "/"), token: token}
		if cl.token == "" {
			if userName == "" {
				return fmt.Errorf("either --token or --user must be specified")
			}
			password, err := readPassword()
			if err != nil {
				return err
			}
			if err := cl.login(cmd.Context(), userName, password); err != nil {
				return err
			}
		}
		rec, err := cl.importPDF(cmd.Context(), filepath.Base(args[0]), b)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stored %s as %s (%d bytes)\n", args[0], rec.ID, rec.Size)
		return nil
	},
}

func init() {
	uploadCmd.Flags().StringVar(&serverURL, "server", "http://localhost:7220", "URL of the convert2pdfd server")
	uploadCmd.Flags().StringVar(&userName, "user", os.Getenv("USER"), "User name to log in with")
	uploadCmd.Flags().StringVar(&token, "token", os.Getenv("IMG2PDF_TOKEN"), "Bearer token (skips the login)")
}

func readPassword() (string, error) {
	if pw, ok := os.LookupEnv("IMG2PDF_PASSWORD"); ok {
		return pw, nil
	}
	fmt.Fprintf(os.Stderr, "password for %s: ", userName)
	pw, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(pw, "\r\n"), nil
}

// client talks to the convert2pdfd REST API.
type client struct {
	base  string
	token string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

func (c *client) do(req *http.Request, v interface{}) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e httperr.Response
		if err := json.Unmarshal(body, &e); err != nil || e.Message == "" {
			return fmt.Errorf("%s %s: unexpected HTTP status: got %v, want OK", req.Method, req.URL.Path, resp.Status)
		}
		if e.Hint != "" {
			return fmt.Errorf("%s: %s (%s)\n%s", req.URL.Path, e.Message, e.Kind, e.Hint)
		}
		return fmt.Errorf("%s: %s (%s)", req.URL.Path, e.Message, e.Kind)
	}
	if v == nil {
		return nil
	}
	return json.Unmarshal(body, v)
}

func (c *client) login(ctx context.Context, user, password string) error {
	b, err := json.Marshal(map[string]string{"user": user, "password": password})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.base+"/api/login", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(req, &resp); err != nil {
		return err
	}
	c.token = resp.Token
	return nil
}

func (c *client) importPDF(ctx context.Context, name string, pdf []byte) (*convert2pdf.Record, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(pdf); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.base+"/api/import", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var rec convert2pdf.Record
	if err := c.do(req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
