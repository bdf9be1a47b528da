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
	"encoding/json"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/termgate/termgate/lib/httplib"
	"github.com/termgate/termgate/lib/utils"
)

// tabsLayoutKey is the settings key the tab layout endpoints proxy to.
const tabsLayoutKey = "tabsLayout"

func (h *Handler) getDraft(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	name, err := h.resolveSession(p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	item, err := h.cfg.Backend.GetDraft(r.Context(), h.cfg.Auth.IdentityKey(), name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return item, nil
}

type putDraftRequest struct {
	Content string `json:"content"`
}

func (h *Handler) putDraft(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	name, err := h.resolveSession(p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req putDraftRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Backend.PutDraft(r.Context(), h.cfg.Auth.IdentityKey(), name, req.Content); err != nil {
		return nil, trace.Wrap(err)
	}
	return ok(), nil
}

func (h *Handler) getAnnotation(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	name, err := h.resolveSession(p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		return nil, trace.BadParameter("missing path")
	}
	item, err := h.cfg.Backend.GetAnnotation(r.Context(), h.cfg.Auth.IdentityKey(), name, path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return item, nil
}

type putAnnotationRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (h *Handler) putAnnotation(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	name, err := h.resolveSession(p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req putAnnotationRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Path == "" {
		return nil, trace.BadParameter("missing path")
	}
	err = h.cfg.Backend.PutAnnotation(r.Context(), h.cfg.Auth.IdentityKey(), name, req.Path, req.Content)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return ok(), nil
}

func (h *Handler) getSetting(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	item, err := h.cfg.Backend.GetSetting(r.Context(), h.cfg.Auth.IdentityKey(), p.ByName("key"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return item, nil
}

type putSettingRequest struct {
	Value string `json:"value"`
}

func (h *Handler) putSetting(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req putSettingRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	err := h.cfg.Backend.PutSetting(r.Context(), h.cfg.Auth.IdentityKey(), p.ByName("key"), req.Value)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return ok(), nil
}

func (h *Handler) getTabsLayout(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	item, err := h.cfg.Backend.GetSetting(r.Context(), h.cfg.Auth.IdentityKey(), tabsLayoutKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return item, nil
}

type putTabsLayoutRequest struct {
	Token  string          `json:"token"`
	Layout json.RawMessage `json:"layout"`
}

// putTabsLayout saves the tab layout. Browsers flush it with
// navigator.sendBeacon on page close, which cannot set headers, so the
// token may ride in the body. A bearer header, when present, is
// authoritative and the body token is ignored.
func (h *Handler) putTabsLayout(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	ip := utils.ClientIP(r, h.cfg.TrustProxy)
	if !h.cfg.Limiter.AllowWrite(ip) {
		return nil, trace.LimitExceeded("rate limit exceeded")
	}

	var req putTabsLayoutRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	token := bearerToken(r)
	if token == "" {
		token = req.Token
	}
	if !h.cfg.Auth.VerifyToken(token) {
		httplib.ReplyUnauthorized(w)
		return nil, nil
	}

	err := h.cfg.Backend.PutSetting(r.Context(), h.cfg.Auth.IdentityKey(), tabsLayoutKey, string(req.Layout))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return ok(), nil
}
