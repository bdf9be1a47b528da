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

// Package term attaches a pseudo-terminal to a multiplexer session and
// exposes it as a pair of channels: raw output chunks and a one-shot
// exit notification. A channel moves through attached, paused and
// exited; pausing gates output delivery for backpressure.
package term

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/termgate/termgate"
	"github.com/termgate/termgate/lib/defaults"
)

// readBufferSize keeps PTY chunks small enough to frame onto a
// websocket without further splitting.
const readBufferSize = 32 * 1024

// ExitStatus describes how the attach client ended.
type ExitStatus struct {
	// Code is the exit code, -1 when the process died on a signal.
	Code int `json:"code"`
	// Signal names the terminating signal, empty on a clean exit.
	Signal string `json:"signal,omitempty"`
}

// Params configure an attach.
type Params struct {
	// Bin and Args are the attach client command, typically produced
	// by the multiplexer adapter.
	Bin  string
	Args []string
	// Cols and Rows size the PTY at start.
	Cols int
	Rows int
}

// Check validates attach parameters.
func (p *Params) Check() error {
	if p.Bin == "" {
		return trace.BadParameter("missing attach command")
	}
	if p.Cols <= 0 || p.Rows <= 0 {
		return trace.BadParameter("invalid dimensions %vx%v", p.Cols, p.Rows)
	}
	return nil
}

// Channel is a live PTY attached to a multiplexer session. The owning
// connection consumes Data and Wait; Write, Resize, Pause, Resume and
// Kill may be called from other goroutines.
type Channel struct {
	log *log.Entry

	cmd *exec.Cmd
	pty *os.File

	dataC chan []byte
	exitC chan ExitStatus
	doneC chan struct{}

	mu       sync.Mutex
	unpaused *sync.Cond
	paused   bool
	exited   bool
	cols     int
	rows     int

	closePTYOnce sync.Once
}

// Attach spawns the attach client on a fresh PTY sized per params and
// starts pumping its output.
func Attach(params Params) (*Channel, error) {
	if err := params.Check(); err != nil {
		return nil, trace.Wrap(err)
	}

	cmd := exec.Command(params.Bin, params.Args...)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(params.Cols),
		Rows: uint16(params.Rows),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	c := &Channel{
		log: log.WithFields(log.Fields{
			trace.Component: termgate.ComponentTerm,
		}),
		cmd:   cmd,
		pty:   ptmx,
		dataC: make(chan []byte, 32),
		exitC: make(chan ExitStatus, 1),
		doneC: make(chan struct{}),
		cols:  params.Cols,
		rows:  params.Rows,
	}
	c.unpaused = sync.NewCond(&c.mu)

	go c.readLoop()
	go c.waitLoop()
	return c, nil
}

// Data returns the stream of raw output chunks. The channel is closed
// once the attach client exits or the channel is killed.
func (c *Channel) Data() <-chan []byte {
	return c.dataC
}

// Wait returns the channel that delivers the exit status exactly once.
func (c *Channel) Wait() <-chan ExitStatus {
	return c.exitC
}

// Write delivers user input to the session.
func (c *Channel) Write(p []byte) error {
	_, err := c.pty.Write(p)
	return trace.Wrap(err)
}

// Resize changes the reported terminal size. Dimensions are clamped
// and resizing to the current size is a no-op.
func (c *Channel) Resize(cols, rows int) error {
	cols = clampDimension(cols)
	rows = clampDimension(rows)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exited {
		return trace.NotFound("terminal channel already exited")
	}
	if cols == c.cols && rows == c.rows {
		return nil
	}
	if err := pty.Setsize(c.pty, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return trace.Wrap(err)
	}
	c.cols, c.rows = cols, rows
	return nil
}

func clampDimension(v int) int {
	if v < defaults.TermDimensionMin {
		return defaults.TermDimensionMin
	}
	if v > defaults.TermDimensionMax {
		return defaults.TermDimensionMax
	}
	return v
}

// Pause stops output delivery until Resume. Input, resize and kill
// keep working while paused.
func (c *Channel) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

// Resume lifts a Pause.
func (c *Channel) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		c.paused = false
		c.unpaused.Broadcast()
	}
}

// Kill terminates the attach client and forces the channel to exited.
// The multiplexer session itself stays alive. Safe to call repeatedly.
func (c *Channel) Kill() {
	// lift any pause so the read loop can observe teardown
	c.Resume()

	if c.cmd.Process != nil {
		if err := c.cmd.Process.Kill(); err != nil {
			if err.Error() != "os: process already finished" {
				c.log.Debugf("Failed to kill attach client: %v.", err)
			}
		}
	}
	c.closePTYOnce.Do(func() {
		c.pty.Close()
	})
}

// gate blocks while the channel is paused.
func (c *Channel) gate() {
	c.mu.Lock()
	for c.paused && !c.exited {
		c.unpaused.Wait()
	}
	c.mu.Unlock()
}

func (c *Channel) readLoop() {
	defer close(c.dataC)

	buf := make([]byte, readBufferSize)
	for {
		c.gate()
		n, err := c.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			// re-check the gate so nothing is delivered while paused
			c.gate()
			select {
			case c.dataC <- chunk:
			case <-c.doneC:
				return
			}
		}
		if err != nil {
			// reading a PTY whose last client went away errors out,
			// that is the normal end of stream
			return
		}
	}
}

func (c *Channel) waitLoop() {
	status := toExitStatus(c.cmd.Wait())

	c.mu.Lock()
	c.exited = true
	c.paused = false
	c.unpaused.Broadcast()
	c.mu.Unlock()

	c.closePTYOnce.Do(func() {
		c.pty.Close()
	})

	c.log.Debugf("Attach client exited: %+v.", status)
	c.exitC <- status
	close(c.doneC)
}

func toExitStatus(err error) ExitStatus {
	if err == nil {
		return ExitStatus{Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return ExitStatus{Code: -1, Signal: ws.Signal().String()}
			}
			return ExitStatus{Code: ws.ExitStatus()}
		}
	}
	return ExitStatus{Code: -1}
}
