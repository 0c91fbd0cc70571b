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

// Program convert2pdfd converts uploaded images (JPEG, PNG, HEIC, …) into
// single-page A4 PDF files, which users download once.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	"github.com/stapelberg/convert2pdf"
	"github.com/stapelberg/convert2pdf/internal/api"
	"github.com/stapelberg/convert2pdf/internal/auth"
	"github.com/stapelberg/convert2pdf/internal/convert"
	"github.com/stapelberg/convert2pdf/internal/heic"
	"github.com/stapelberg/convert2pdf/internal/mayqtt"
	"github.com/stapelberg/convert2pdf/internal/normalize"
	"github.com/stapelberg/convert2pdf/internal/store"
	"github.com/stapelberg/convert2pdf/internal/store/fsstore"
	"github.com/stapelberg/convert2pdf/internal/store/gcpstore"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/net/trace"
	"golang.org/x/sync/errgroup"

	_ "net/http/pprof"
)

// getEnv returns the value of the environment variable key, or fallback.
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// isPrivate reports whether the client of req is on a private network.
func isPrivate(req *http.Request) bool {
	// RemoteAddr is commonly in the form "IP" or "IP:port".
	// If it is in the form "IP:port", split off the port.
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsPrivate() || ip.IsLoopback())
}

func privateOnly(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isPrivate(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		h.ServeHTTP(w, r)
	})
}

type storeConfig struct {
	backend    string
	stateDir   string
	project    string
	collection string
	bucket     string
	prefix     string
}

// openStores returns the configured stores and a function to release their
// clients.
func openStores(ctx context.Context, cfg storeConfig) (store.Records, store.Blobs, func() error, error) {
	switch cfg.backend {
	case "fs":
		records, err := fsstore.NewRecords(filepath.Join(cfg.stateDir, "records"))
		if err != nil {
			return nil, nil, nil, err
		}
		blobs, err := fsstore.NewBlobs(filepath.Join(cfg.stateDir, "blobs"))
		if err != nil {
			return nil, nil, nil, err
		}
		return records, blobs, func() error { return nil }, nil

	case "gcp":
		if cfg.project == "" || cfg.bucket == "" {
			return nil, nil, nil, fmt.Errorf("-storage=gcp requires -gcp_project and -gcs_bucket")
		}
		fs, err := firestore.NewClient(ctx, cfg.project)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("creating Firestore client: %w", err)
		}
		gcs, err := storage.NewClient(ctx)
		if err != nil {
			fs.Close()
			return nil, nil, nil, fmt.Errorf("creating Cloud Storage client: %w", err)
		}
		closeAll := func() error {
			err1 := fs.Close()
			err2 := gcs.Close()
			if err1 != nil {
				return err1
			}
			return err2
		}
		return gcpstore.NewRecords(fs, cfg.collection),
			gcpstore.NewBlobs(gcs.Bucket(cfg.bucket), cfg.prefix),
			closeAll,
			nil
	}
	return nil, nil, nil, fmt.Errorf("unknown -storage backend %q (want fs or gcp)", cfg.backend)
}

// hashPassword reads a password from stdin and prints the line to add to
// the users file.
func hashPassword(name string) error {
	fmt.Fprintf(os.Stderr, "password for %q: ", name)
	password, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(strings.TrimRight(password, "\r\n"))
	if err != nil {
		return err
	}
	fmt.Printf("{\"name\": %q, \"password_hash\": %q}\n", name, hash)
	return nil
}

func logic() error {
	stateDir := flag.String("state_dir",
		"/var/lib/convert2pdf",
		"Directory containing state such as session data, keys, and (with -storage=fs) conversion records and PDF files.")

	usersFile := flag.String("users_file",
		"",
		"Path to a JSON file listing users and their bcrypt password hashes. Defaults to <state_dir>/users.json. Reloaded on SIGHUP.")

	hashPasswordFor := flag.String("hash_password",
		"",
		"If non-empty, read a password from stdin, print a users file entry for the specified user name and exit.")

	httpListenAddr := flag.String("http_listen_address",
		"localhost:7220",
		"[host]:port to listen on for HTTP requests")

	httpsListenAddr := flag.String("https_listen_address",
		":https",
		"[host]:port to listen on for HTTPS requests. This is a no-op unless -tls_autocert_hosts is non-empty.")

	autocertHostList := flag.String("tls_autocert_hosts",
		"",
		"If non-empty, a comma-separated list of hostnames to obtain TLS certificates for. If non-empty, a TLS listener will be enabled on -https_listen_address")

	storageBackend := flag.String("storage",
		"fs",
		"Where to store conversions: fs (below -state_dir) or gcp (Firestore and Cloud Storage)")

	gcpProject := flag.String("gcp_project",
		getEnv("GOOGLE_CLOUD_PROJECT", ""),
		"Google Cloud project for -storage=gcp")

	firestoreCollection := flag.String("firestore_collection",
		getEnv("FIRESTORE_COLLECTION", "conversions"),
		"Firestore collection for conversion records")

	gcsBucket := flag.String("gcs_bucket",
		getEnv("GCS_BUCKET", ""),
		"Cloud Storage bucket for PDF files")

	gcsPrefix := flag.String("gcs_prefix",
		"pdf/",
		"Object name prefix for PDF files in -gcs_bucket")

	mqttBroker := flag.String("mqtt_broker",
		"",
		"If non-empty, an MQTT broker (e.g. tcp://dr.lan:1883) to publish conversion events to")

	mqttTopic := flag.String("mqtt_topic",
		mayqtt.DefaultTopic,
		"MQTT topic prefix for conversion events")

	maxUploadBytes := flag.Int64("max_upload_bytes",
		api.DefaultMaxUploadBytes,
		"Maximum size of an uploaded file")

	maxConcurrent := flag.Int("max_concurrent",
		0,
		"Maximum number of concurrent conversions (0 means one per CPU)")

	encodeTimeout := flag.Duration("encode_timeout",
		convert.DefaultEncodeTimeout,
		"Deadline for encoding a single PDF")

	heicDecoder := flag.String("heic_decoder",
		"auto",
		"HEIC decoder: native (libde265 via cgo), exec (heif-convert from libheif) or auto (native, falling back to exec)")

	heifConvert := flag.String("heif_convert",
		"",
		"Path to the heif-convert binary (default: look up in $PATH)")

	tokenMaxAge := flag.Duration("token_max_age",
		30*24*time.Hour,
		"Validity of bearer tokens and session cookies")

	flag.Parse()

	if *hashPasswordFor != "" {
		return hashPassword(*hashPasswordFor)
	}

	log.Printf("convert2pdfd starting")

	ctx, canc := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer canc()

	if *usersFile == "" {
		*usersFile = filepath.Join(*stateDir, "users.json")
	}
	users, err := auth.LoadDirectory(*usersFile)
	if err != nil {
		return err
	}
	if users.Len() == 0 {
		log.Printf("no users in %s, nobody can log in. Use -hash_password to create entries.", *usersFile)
	}
	go func() {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		for range hup {
			if err := users.UpdateFromFile(*usersFile); err != nil {
				log.Printf("reloading users: %v", err)
				continue
			}
			log.Printf("reloaded %d users from %s", users.Len(), *usersFile)
		}
	}()

	tokenKey, err := auth.LoadKey(filepath.Join(*stateDir, "tokens.key"), 64)
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokens(tokenKey, *tokenMaxAge)
	if err != nil {
		return err
	}
	// NOTE: Not much thought went into chosing 32 bytes as the length of
	// cookie keys. In case there are any arguments for a different number,
	// I’m happy to be convinced.
	cookieKey, err := auth.LoadKey(filepath.Join(*stateDir, "cookies.key"), 32)
	if err != nil {
		return err
	}
	sessions, err := auth.NewSessionStore(filepath.Join(*stateDir, "sessions"), cookieKey, *tokenMaxAge)
	if err != nil {
		return err
	}

	records, blobs, closeStores, err := openStores(ctx, storeConfig{
		backend:    *storageBackend,
		stateDir:   *stateDir,
		project:    *gcpProject,
		collection: *firestoreCollection,
		bucket:     *gcsBucket,
		prefix:     *gcsPrefix,
	})
	if err != nil {
		return err
	}
	defer closeStores()

	hd, err := heic.ByName(*heicDecoder, *heifConvert)
	if err != nil {
		return err
	}

	var notifier convert2pdf.Notifier
	if *mqttBroker != "" {
		publisher := mayqtt.Dial(*mqttBroker, "convert2pdfd", *mqttTopic)
		defer publisher.Close()
		notifier = publisher
	}

	srv := &api.Server{
		Converter: convert.New(convert.Options{
			Normalizer:    &normalize.Normalizer{HEIC: hd},
			Encoder:       convert.PDFWriter{},
			Records:       records,
			Blobs:         blobs,
			EncodeTimeout: *encodeTimeout,
			MaxConcurrent: *maxConcurrent,
			Notifier:      notifier,
		}),
		Auth: &auth.Authenticator{
			Users:    users,
			Tokens:   tokens,
			Sessions: sessions,
		},
		MaxUploadBytes: *maxUploadBytes,
	}

	mux := http.NewServeMux()
	mux.Handle("/", srv.ServeMux())
	// /debug/requests and /debug/pprof/ are registered on the default mux.
	mux.Handle("/debug/", privateOnly(http.DefaultServeMux))
	var handler http.Handler = mux

	// for /debug/requests:
	trace.AuthRequest = func(req *http.Request) (bool, bool) {
		private := isPrivate(req)
		return private, private
	}

	type serveFunc struct {
		serve    func() error
		shutdown func() error
	}
	var serveFuncs []serveFunc

	shutdown := func(s *http.Server) func() error {
		return func() error {
			timeout, canc := context.WithTimeout(context.Background(), 5*time.Second)
			defer canc()
			return s.Shutdown(timeout)
		}
	}

	if *autocertHostList != "" {
		// Start HTTPS listener with autocert
		var hosts []string
		for _, host := range strings.Split(*autocertHostList, ",") {
			host = strings.TrimSpace(host)
			if host == "" {
				continue
			}
			hosts = append(hosts, host)
		}

		m := &autocert.Manager{
			Cache:      autocert.DirCache(filepath.Join(*stateDir, "autocert")),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(hosts...),
		}
		s := &http.Server{
			Addr:              *httpsListenAddr,
			Handler:           handler,
			TLSConfig:         m.TLSConfig(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		for _, host := range hosts {
			log.Printf("listening on https://%s", host)
		}

		ln, err := net.Listen("tcp", s.Addr)
		if err != nil {
			return err
		}
		serveFuncs = append(serveFuncs, serveFunc{
			serve: func() error {
				defer ln.Close()

				return s.ServeTLS(ln, "", "")
			},
			shutdown: shutdown(s),
		})
	}

	// HTTP listener (local network)
	ln, err := net.Listen("tcp", *httpListenAddr)
	if err != nil {
		return err
	}
	log.Printf("listening on http://%s", ln.Addr())
	s := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveFuncs = append(serveFuncs, serveFunc{
		serve: func() error {
			return s.Serve(ln)
		},
		shutdown: shutdown(s),
	})

	eg, ctx := errgroup.WithContext(ctx)
	for _, sf := range serveFuncs {
		sf := sf // copy
		eg.Go(func() error {
			errC := make(chan error)
			go func() {
				errC <- sf.serve()
			}()
			select {
			case err := <-errC:
				return err
			case <-ctx.Done():
				if err := sf.shutdown(); err != nil {
					log.Printf("shutting down listener: %v", err)
				}
				return ctx.Err()
			}
		})
	}

	if err := eg.Wait(); err != nil && err != context.Canceled {
		return err
	}
	log.Printf("convert2pdfd stopped")
	return nil
}

func main() {
	if err := logic(); err != nil {
		log.Fatal(err)
	}
}
