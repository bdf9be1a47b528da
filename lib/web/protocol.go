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

	"github.com/gravitational/trace"
)

// Binary websocket frames carry a one byte type tag followed by the
// raw payload.
const (
	// TagOutput frames terminal output, server to client.
	TagOutput byte = 0x01
	// TagInput frames user keystrokes, client to server.
	TagInput byte = 0x02
	// TagScrollback frames the history replayed when a session is
	// resumed, sent before the connected message.
	TagScrollback byte = 0x03
	// TagScrollbackContent frames an on-demand scrollback capture.
	TagScrollbackContent byte = 0x04
	// TagFileChunk frames one unit of an in-connection file stream.
	TagFileChunk byte = 0x05
)

// Application close codes, picked from the range RFC 6455 reserves for
// private use.
const (
	// CloseUnauthorized covers auth timeout, invalid token, and frames
	// sent before authentication.
	CloseUnauthorized = 4001
	// CloseReplaced tells a connection another one took over its
	// session.
	CloseReplaced = 4002
	// CloseInitFailed reports a failed session setup after a valid
	// auth.
	CloseInitFailed = 4003
	// CloseInvalidSessionID rejects a malformed sessionId query
	// parameter.
	CloseInvalidSessionID = 4004
	// CloseTooManyConns enforces the per-identity connection cap.
	CloseTooManyConns = 4005
	// CloseTooManyPending enforces the process-wide pending auth cap.
	CloseTooManyPending = 4006
)

// JSON control message types, both directions.
const (
	messageTypeAuth            = "auth"
	messageTypeInput           = "input"
	messageTypeResize          = "resize"
	messageTypePing            = "ping"
	messageTypeScrollback      = "capture-scrollback"
	messageTypeStreamFile      = "stream-file"
	messageTypeCancelStream    = "cancel-stream"
	messageTypeConnected       = "connected"
	messageTypePong            = "pong"
	messageTypeError           = "error"
	messageTypeFileStreamStart = "file-stream-start"
	messageTypeFileStreamEnd   = "file-stream-end"
	messageTypeFileStreamError = "file-stream-error"
)

// Client to server control messages.

type authRequest struct {
	// Token is the shared secret. It travels in this first frame, never
	// in the URL or headers, to keep it out of access logs.
	Token string `json:"token"`
	// Cols and Rows size the terminal, optional.
	Cols int `json:"cols"`
	Rows int `json:"rows"`
	// Cwd is the requested initial working directory for a new
	// session, optional and only honored if it is an absolute path to
	// an existing directory.
	Cwd string `json:"cwd"`
}

type inputRequest struct {
	// Data is user input, the JSON fallback for the binary input frame.
	Data string `json:"data"`
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type pingRequest struct{}

type scrollbackRequest struct{}

type streamFileRequest struct {
	// Path of the file to stream, relative to the session's working
	// directory.
	Path string `json:"path"`
}

type cancelStreamRequest struct{}

// Server to client control messages.

type connectedMessage struct {
	Type string `json:"type"`
	// Resumed is true when the client attached to an existing session.
	Resumed bool `json:"resumed"`
}

type pongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type fileStreamStart struct {
	Type string `json:"type"`
	// Size is the total file size in bytes.
	Size int64 `json:"size"`
	// Mtime is the file's modification time in Unix milliseconds.
	Mtime int64 `json:"mtime"`
}

type fileStreamEnd struct {
	Type string `json:"type"`
}

type fileStreamError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// parseClientMessage decodes one JSON control frame into its typed
// form.
func parseClientMessage(raw []byte) (interface{}, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, trace.BadParameter("malformed control message: %v", err)
	}

	var msg interface{}
	switch envelope.Type {
	case messageTypeAuth:
		msg = &authRequest{}
	case messageTypeInput:
		msg = &inputRequest{}
	case messageTypeResize:
		msg = &resizeRequest{}
	case messageTypePing:
		msg = &pingRequest{}
	case messageTypeScrollback:
		msg = &scrollbackRequest{}
	case messageTypeStreamFile:
		msg = &streamFileRequest{}
	case messageTypeCancelStream:
		msg = &cancelStreamRequest{}
	default:
		return nil, trace.BadParameter("unknown message type %q", envelope.Type)
	}
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, trace.BadParameter("malformed %v message: %v", envelope.Type, err)
	}
	return msg, nil
}
