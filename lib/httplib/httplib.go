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

// Package httplib implements common utility functions for writing
// classic HTTP handlers
package httplib

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/termgate/termgate/lib/defaults"
)

// HandlerFunc specifies an HTTP handler function that returns a JSON
// serializable result or an error
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// MakeHandler returns a new httprouter.Handle func from a handler func
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		if out != nil {
			roundtrip.ReplyJSON(w, http.StatusOK, out)
		}
	}
}

// ReadJSON reads an HTTP JSON request body, enforcing the request body
// cap, and unmarshals it into val
func ReadJSON(r *http.Request, val interface{}) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, defaults.MaxJSONBodyBytes+1))
	if err != nil {
		return trace.Wrap(err)
	}
	if len(data) > defaults.MaxJSONBodyBytes {
		return trace.LimitExceeded("request body exceeds %v bytes", defaults.MaxJSONBodyBytes)
	}
	if err := json.Unmarshal(data, &val); err != nil {
		return trace.BadParameter("request: %v", err.Error())
	}
	return nil
}

// ReplyError sets up an HTTP error response and writes it to writer w
func ReplyError(w http.ResponseWriter, err error) {
	message := errorMessage{Message: trace.UserMessage(err)}
	switch {
	case trace.IsNotFound(err):
		roundtrip.ReplyJSON(w, http.StatusNotFound, message)
	case trace.IsBadParameter(err):
		roundtrip.ReplyJSON(w, http.StatusBadRequest, message)
	case trace.IsAccessDenied(err):
		roundtrip.ReplyJSON(w, http.StatusForbidden, message)
	case trace.IsAlreadyExists(err):
		roundtrip.ReplyJSON(w, http.StatusConflict, message)
	case trace.IsLimitExceeded(err):
		roundtrip.ReplyJSON(w, http.StatusTooManyRequests, message)
	case trace.IsConnectionProblem(err):
		roundtrip.ReplyJSON(w, http.StatusGatewayTimeout, message)
	default:
		roundtrip.ReplyJSON(w, http.StatusInternalServerError, message)
	}
}

// ReplyUnauthorized writes a 401 response. Authentication failures use
// this rather than the 403 access-denied mapping.
func ReplyUnauthorized(w http.ResponseWriter) {
	roundtrip.ReplyJSON(w, http.StatusUnauthorized, errorMessage{Message: "authentication required"})
}

type errorMessage struct {
	Message string `json:"message"`
}

// SetSecurityHeaders sets the response headers that every API and
// websocket endpoint carries. The CSP forbids framing and inline
// scripts, the gateway serves no markup of its own.
func SetSecurityHeaders(h http.Header) {
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Content-Security-Policy", "default-src 'self'; script-src 'self'; frame-ancestors 'none'")
}

// SetNoCacheHeaders tells proxies and browsers do not cache the content
func SetNoCacheHeaders(h http.Header) {
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}

// SetCORSHeaders allows the configured origin to call the API from a
// browser. An empty origin leaves CORS disabled.
func SetCORSHeaders(h http.Header, origin string) {
	if origin == "" {
		return
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Accept, Content-Type, Authorization")
	h.Set("Access-Control-Max-Age", "86400")
	if origin != "*" {
		h.Add("Vary", "Origin")
	}
}
