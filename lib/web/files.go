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

package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/sync/errgroup"

	"github.com/termgate/termgate/lib/defaults"
	"github.com/termgate/termgate/lib/httplib"
)

// sessionWorkdir resolves the :name route parameter and returns the
// session's current working directory, the root for all sandboxed file
// operations.
func (h *Handler) sessionWorkdir(r *http.Request, p httprouter.Params) (string, error) {
	name, err := h.resolveSession(p)
	if err != nil {
		return "", trace.Wrap(err)
	}
	cwd, err := h.cfg.Multiplexer.CwdOf(r.Context(), name)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return cwd, nil
}

type fileEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
	Mtime int64  `json:"mtime"`
}

type listFilesResponse struct {
	Path      string      `json:"path"`
	Entries   []fileEntry `json:"entries"`
	Truncated bool        `json:"truncated"`
}

// listFiles returns a directory listing rooted at the session cwd,
// directories first, capped at a fixed entry count. Entry metadata is
// collected with bounded parallelism; entries whose stat fails are
// listed with zero size.
func (h *Handler) listFiles(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	cwd, err := h.sessionWorkdir(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	reqPath := r.URL.Query().Get("path")
	if reqPath == "" {
		reqPath = "."
	}
	resolved, err := h.cfg.Sandbox.ValidateExisting(reqPath, cwd)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})
	truncated := false
	if len(entries) > defaults.ListMaxEntries {
		entries = entries[:defaults.ListMaxEntries]
		truncated = true
	}

	items := make([]fileEntry, len(entries))
	var g errgroup.Group
	g.SetLimit(defaults.ListStatConcurrency)
	for i, entry := range entries {
		g.Go(func() error {
			item := fileEntry{
				Name:  entry.Name(),
				Path:  filepath.Join(reqPath, entry.Name()),
				IsDir: entry.IsDir(),
			}
			if info, err := entry.Info(); err == nil {
				item.Size = info.Size()
				item.Mtime = info.ModTime().UnixMilli()
			}
			items[i] = item
			return nil
		})
	}
	g.Wait()

	return listFilesResponse{Path: reqPath, Entries: items, Truncated: truncated}, nil
}

// downloadFile streams a regular file from the session working
// directory. Symlinked targets are refused.
func (h *Handler) downloadFile(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	cwd, err := h.sessionWorkdir(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	reqPath := r.URL.Query().Get("path")
	if reqPath == "" {
		return nil, trace.BadParameter("missing path")
	}
	resolved, err := h.cfg.Sandbox.ValidateNoSymlink(reqPath, cwd)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	f, err := os.Open(resolved)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if !fi.Mode().IsRegular() {
		return nil, trace.BadParameter("not a file")
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(resolved)))
	w.Header().Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
	if _, err := io.Copy(w, f); err != nil {
		h.log.Debugf("Download of %v aborted: %v.", reqPath, err)
	}
	return nil, nil
}

type uploadResponse struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// uploadFile accepts a multipart upload into the session working
// directory, capped at the configured size.
func (h *Handler) uploadFile(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	cwd, err := h.sessionWorkdir(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	r.Body = http.MaxBytesReader(w, r.Body, defaults.MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, trace.LimitExceeded("upload exceeds %v bytes", defaults.MaxUploadBytes)
		}
		return nil, trace.BadParameter("invalid multipart payload")
	}
	defer file.Close()

	dir := r.URL.Query().Get("path")
	if dir == "" {
		dir = "."
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = header.Filename
	}
	name = filepath.Base(name)
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return nil, trace.BadParameter("invalid file name")
	}

	target := filepath.Join(dir, name)
	resolved, err := h.cfg.Sandbox.ValidateNew(target, cwd)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	out, err := os.OpenFile(resolved, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	n, err := io.Copy(out, file)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	h.log.Infof("Uploaded %v (%v bytes).", target, n)
	return uploadResponse{Path: target, Size: n}, nil
}

type touchRequest struct {
	Path string `json:"path"`
}

// touchFile creates an empty file, failing if it already exists.
func (h *Handler) touchFile(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	cwd, err := h.sessionWorkdir(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req touchRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Path == "" {
		return nil, trace.BadParameter("missing path")
	}
	resolved, err := h.cfg.Sandbox.ValidateNew(req.Path, cwd)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	f, err := os.OpenFile(resolved, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	f.Close()
	return ok(), nil
}
