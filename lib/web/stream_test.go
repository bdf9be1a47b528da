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
	"bytes"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/termgate/termgate/lib/defaults"
)

// collectStream reads the full stream exchange for one file: the start
// message, every chunk, and the end message. Non-stream frames fail
// the test.
func collectStream(t *testing.T, ws *websocket.Conn) (start map[string]interface{}, content []byte) {
	t.Helper()
	start = readText(t, ws)
	require.Equal(t, "file-stream-start", start["type"])

	var buf bytes.Buffer
	for {
		kind, data := readMessage(t, ws)
		if kind == websocket.BinaryMessage {
			require.NotEmpty(t, data)
			require.Equal(t, TagFileChunk, data[0])
			require.LessOrEqual(t, len(data)-1, defaults.StreamChunkBytes)
			buf.Write(data[1:])
			continue
		}
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &msg))
		require.Equal(t, "file-stream-end", msg["type"], "stream did not end cleanly: %v", msg)
		return start, buf.Bytes()
	}
}

func expectStreamError(t *testing.T, ws *websocket.Conn, message string) {
	t.Helper()
	msg := readText(t, ws)
	require.Equal(t, "file-stream-error", msg["type"])
	require.Equal(t, message, msg["message"])
}

func TestStreamFile(t *testing.T) {
	t.Parallel()
	pack := newWebPack(t)

	payload := make([]byte, 200_000)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(pack.dir, "data.bin"), payload, 0644))

	ws, _ := pack.connect(t, "stream")
	sendJSON(t, ws, map[string]interface{}{"type": "stream-file", "path": "data.bin"})

	start, content := collectStream(t, ws)
	require.Equal(t, float64(len(payload)), start["size"])
	require.Greater(t, start["mtime"].(float64), float64(0))
	require.Equal(t, payload, content)
}

func TestStreamFileErrors(t *testing.T) {
	t.Parallel()
	pack := newWebPack(t)

	require.NoError(t, os.Mkdir(filepath.Join(pack.dir, "subdir"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(pack.dir, "real.txt"), []byte("x"), 0644))
	require.NoError(t, os.Symlink(filepath.Join(pack.dir, "real.txt"), filepath.Join(pack.dir, "link.txt")))

	// A sparse file just over the cap costs no disk space.
	huge, err := os.Create(filepath.Join(pack.dir, "huge.bin"))
	require.NoError(t, err)
	require.NoError(t, huge.Truncate(defaults.MaxStreamFileBytes+1))
	require.NoError(t, huge.Close())

	tests := []struct {
		name    string
		path    string
		message string
	}{
		{name: "escapes the sandbox", path: "../outside.txt", message: "Invalid path"},
		{name: "absolute outside", path: "/etc/passwd", message: "Invalid path"},
		{name: "missing", path: "nope.bin", message: "Invalid path"},
		{name: "symlink", path: "link.txt", message: "Invalid path"},
		{name: "directory", path: "subdir", message: "Not a file"},
		{name: "too large", path: "huge.bin", message: "File too large"},
	}

	ws, _ := pack.connect(t, "errs")
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sendJSON(t, ws, map[string]interface{}{"type": "stream-file", "path": tc.path})
			expectStreamError(t, ws, tc.message)
		})
	}
}

func TestStreamCancel(t *testing.T) {
	t.Parallel()
	pack := newWebPack(t)

	// Large enough that the stream cannot fit into socket buffers, so
	// the cancel lands while the pump is still working.
	big, err := os.Create(filepath.Join(pack.dir, "big.bin"))
	require.NoError(t, err)
	require.NoError(t, big.Truncate(48*1024*1024))
	require.NoError(t, big.Close())

	ws, _ := pack.connect(t, "cancel")
	sendJSON(t, ws, map[string]interface{}{"type": "stream-file", "path": "big.bin"})

	start := readText(t, ws)
	require.Equal(t, "file-stream-start", start["type"])
	tag, _ := readBinary(t, ws)
	require.Equal(t, TagFileChunk, tag)

	sendJSON(t, ws, map[string]interface{}{"type": "cancel-stream"})

	// In-flight chunks may still arrive, but no end or error message
	// follows a cancel.
	for _, frame := range drainUntilTimeout(t, ws, time.Second) {
		if len(frame) > 0 && frame[0] == TagFileChunk {
			continue
		}
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(frame, &msg))
		require.NotEqual(t, "file-stream-end", msg["type"])
		require.NotEqual(t, "file-stream-error", msg["type"])
	}
}

func TestStreamRestartAfterCancel(t *testing.T) {
	t.Parallel()
	pack := newWebPack(t)

	big, err := os.Create(filepath.Join(pack.dir, "big.bin"))
	require.NoError(t, err)
	require.NoError(t, big.Truncate(48*1024*1024))
	require.NoError(t, big.Close())

	small := []byte("after the flood")
	require.NoError(t, os.WriteFile(filepath.Join(pack.dir, "small.txt"), small, 0644))

	ws, _ := pack.connect(t, "restart")
	sendJSON(t, ws, map[string]interface{}{"type": "stream-file", "path": "big.bin"})
	start := readText(t, ws)
	require.Equal(t, "file-stream-start", start["type"])
	sendJSON(t, ws, map[string]interface{}{"type": "cancel-stream"})

	// A new stream on the same connection starts cleanly. Chunks of the
	// cancelled stream may precede its start message.
	sendJSON(t, ws, map[string]interface{}{"type": "stream-file", "path": "small.txt"})
	var newStart map[string]interface{}
	for {
		kind, data := readMessage(t, ws)
		if kind == websocket.BinaryMessage {
			continue
		}
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg["type"] == "file-stream-start" {
			newStart = msg
			break
		}
		t.Fatalf("unexpected frame before new stream start: %v", msg)
	}
	require.Equal(t, float64(len(small)), newStart["size"])

	var buf bytes.Buffer
	for {
		kind, data := readMessage(t, ws)
		if kind == websocket.BinaryMessage {
			require.Equal(t, TagFileChunk, data[0])
			buf.Write(data[1:])
			continue
		}
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &msg))
		require.Equal(t, "file-stream-end", msg["type"])
		break
	}
	require.Equal(t, small, buf.Bytes())
}

func TestStreamExactSizeLimit(t *testing.T) {
	t.Parallel()
	pack := newWebPack(t)

	// A file of exactly the cap is allowed.
	f, err := os.Create(filepath.Join(pack.dir, "exact.bin"))
	require.NoError(t, err)
	require.NoError(t, f.Truncate(defaults.MaxStreamFileBytes))
	require.NoError(t, f.Close())

	ws, _ := pack.connect(t, "exact")
	sendJSON(t, ws, map[string]interface{}{"type": "stream-file", "path": "exact.bin"})

	start := readText(t, ws)
	require.Equal(t, "file-stream-start", start["type"])
	require.Equal(t, float64(defaults.MaxStreamFileBytes), start["size"])

	// No need to pull 50 MiB through the socket; cancel once the
	// stream has proven it started.
	sendJSON(t, ws, map[string]interface{}{"type": "cancel-stream"})
	drainUntilTimeout(t, ws, 500*time.Millisecond)
}
