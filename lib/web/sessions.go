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
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/termgate/termgate/lib/session"
)

type sessionItem struct {
	Name         string    `json:"name"`
	Created      time.Time `json:"created"`
	LastActivity time.Time `json:"lastActivity"`
	Active       bool      `json:"active"`
}

type sessionsResponse struct {
	Sessions []sessionItem `json:"sessions"`
}

type statusResponse struct {
	Message string `json:"message"`
}

func ok() statusResponse {
	return statusResponse{Message: "ok"}
}

// listSessions returns the caller identity's multiplexer sessions with
// an active flag for those that have a live connection.
func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	infos, err := h.cfg.Multiplexer.ListAll(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}

	active := make(map[string]struct{})
	for _, name := range h.cfg.Registry.ActiveNames() {
		active[name] = struct{}{}
	}

	identity := h.cfg.Auth.IdentityKey()
	items := make([]sessionItem, 0, len(infos))
	for _, info := range infos {
		if !session.HasIdentity(info.Name, identity) {
			continue
		}
		_, isActive := active[info.Name]
		items = append(items, sessionItem{
			Name:         info.Name,
			Created:      info.Created,
			LastActivity: info.LastActivity,
			Active:       isActive,
		})
	}
	return sessionsResponse{Sessions: items}, nil
}

// resolveSession maps the :name route parameter to a session owned by
// the caller. Both bare suffixes and full names are accepted.
func (h *Handler) resolveSession(p httprouter.Params) (string, error) {
	name, err := session.ResolveName(h.cfg.Auth.IdentityKey(), p.ByName("name"))
	if err != nil {
		return "", trace.Wrap(err)
	}
	return name, nil
}

func (h *Handler) sessionCwd(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	name, err := h.resolveSession(p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cwd, err := h.cfg.Multiplexer.CwdOf(r.Context(), name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"cwd": cwd}, nil
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	name, err := h.resolveSession(p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Multiplexer.Kill(r.Context(), name); err != nil {
		return nil, trace.Wrap(err)
	}
	h.log.Infof("Killed session %v.", name)
	return ok(), nil
}
