/*
Copyright 2025 TermGate Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package httplib

import (
	"compress/gzip"
	"net/http"
	"strings"
)

// MakeGzipHandler wraps next so response bodies are compressed whenever
// the client accepts gzip. Upgrade requests pass through untouched, a
// hijacked connection cannot be wrapped.
func MakeGzipHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") != "" || !acceptsGzip(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		gzipper := gzip.NewWriter(w)
		defer gzipper.Close()
		next.ServeHTTP(&gzipResponseWriter{ResponseWriter: w, gzipper: gzipper}, r)
	})
}

func acceptsGzip(r *http.Request) bool {
	for _, acceptedEnc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		if strings.TrimSpace(acceptedEnc) == "gzip" {
			return true
		}
	}
	return false
}

type gzipResponseWriter struct {
	http.ResponseWriter
	gzipper *gzip.Writer
}

func (w *gzipResponseWriter) WriteHeader(status int) {
	// the length of the compressed stream is unknown up front
	w.Header().Del("Content-Length")
	w.ResponseWriter.WriteHeader(status)
}

func (w *gzipResponseWriter) Write(p []byte) (int, error) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", http.DetectContentType(p))
	}
	w.Header().Del("Content-Length")
	return w.gzipper.Write(p)
}
