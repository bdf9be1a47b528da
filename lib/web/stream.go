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
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/termgate/termgate/lib/defaults"
)

// fileStream pushes one file over the data channel in tagged chunks.
// A connection carries at most one stream at a time; starting a new
// one cancels the previous one.
type fileStream struct {
	conn  *termConn
	file  *os.File
	size  int64
	mtime time.Time

	cancelOnce sync.Once
	cancelC    chan struct{}
}

// startStream validates the requested path against the session's
// current working directory and launches the chunk pump. Validation
// runs on the read loop so a stream is installed before the next
// client frame is parsed.
func (c *termConn) startStream(path string) {
	c.cancelStream()

	c.mu.Lock()
	name := c.name
	c.mu.Unlock()
	if name == "" {
		c.streamError("Invalid path")
		return
	}

	cwd, err := c.mux.CwdOf(context.Background(), name)
	if err != nil {
		c.log.Debugf("Cwd lookup for stream failed: %v.", err)
		c.streamError("Invalid path")
		return
	}
	resolved, err := c.sandbox.ValidateNoSymlink(path, cwd)
	if err != nil {
		c.streamError("Invalid path")
		return
	}
	fi, err := os.Stat(resolved)
	if err != nil || !fi.Mode().IsRegular() {
		c.streamError("Not a file")
		return
	}
	if fi.Size() > defaults.MaxStreamFileBytes {
		c.streamError("File too large")
		return
	}
	f, err := os.Open(resolved)
	if err != nil {
		c.streamError("Invalid path")
		return
	}

	st := &fileStream{
		conn:    c,
		file:    f,
		size:    fi.Size(),
		mtime:   fi.ModTime(),
		cancelC: make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		f.Close()
		return
	}
	c.stream = st
	c.mu.Unlock()

	go st.run()
}

// cancelStream detaches and cancels the active stream, if any. The
// cancelled stream sends no end message.
func (c *termConn) cancelStream() {
	c.mu.Lock()
	st := c.stream
	c.stream = nil
	c.mu.Unlock()
	if st != nil {
		st.cancel()
	}
}

func (c *termConn) clearStream(st *fileStream) {
	c.mu.Lock()
	if c.stream == st {
		c.stream = nil
	}
	c.mu.Unlock()
}

func (c *termConn) streamError(message string) {
	if err := c.enqueueJSON(fileStreamError{Type: messageTypeFileStreamError, Message: message}); err != nil {
		c.log.Debugf("Failed to send stream error: %v.", err)
	}
}

// cancel stops the pump. The pump goroutine owns the file handle and
// closes it on exit.
func (st *fileStream) cancel() {
	st.cancelOnce.Do(func() {
		close(st.cancelC)
	})
}

// run announces the stream, pushes the file in fixed-size chunks under
// the stream watermarks, then reports EOF. Cancellation exits without
// an end message.
func (st *fileStream) run() {
	c := st.conn
	defer st.file.Close()
	defer c.clearStream(st)

	err := c.enqueueJSON(fileStreamStart{
		Type:  messageTypeFileStreamStart,
		Size:  st.size,
		Mtime: st.mtime.UnixMilli(),
	})
	if err != nil {
		return
	}

	buf := make([]byte, defaults.StreamChunkBytes)
	for {
		select {
		case <-st.cancelC:
			return
		case <-c.closedC:
			return
		default:
		}

		n, err := st.file.Read(buf)
		if n > 0 {
			if err := c.enqueueBinary(TagFileChunk, buf[:n]); err != nil {
				return
			}
			streamBytesSent.Add(float64(n))

			if c.queuedBytes.Load() > c.streamHigh {
				for c.queuedBytes.Load() >= c.streamLow {
					select {
					case <-c.drainC:
					case <-st.cancelC:
						return
					case <-c.closedC:
						return
					}
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				if err := c.enqueueJSON(fileStreamEnd{Type: messageTypeFileStreamEnd}); err != nil {
					c.log.Debugf("Failed to send stream end: %v.", err)
				}
			} else {
				c.log.Debugf("Stream read failed: %v.", err)
				c.streamError("read failed")
			}
			return
		}
	}
}
