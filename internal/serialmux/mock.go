package serialmux

import (
	"bytes"
	"io"
	"sync"
)

// TestPort is an in-memory SerialPorter. Read blocks until data is queued
// with AddLines or the port is closed; writes are captured.
type TestPort struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending bytes.Buffer
	written bytes.Buffer
	closed  bool

	// ReadErr, when set, is returned once by the next Read.
	ReadErr error
	// WriteErr, when set, is returned by every Write.
	WriteErr error
	// ShortWrite makes Write report one byte fewer than given.
	ShortWrite bool
}

// NewTestPort returns an empty open port.
func NewTestPort() *TestPort {
	p := &TestPort{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *TestPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.closed && p.pending.Len() == 0 && p.ReadErr == nil {
		p.cond.Wait()
	}
	if err := p.ReadErr; err != nil {
		p.ReadErr = nil
		return 0, err
	}
	if p.closed {
		return 0, io.EOF
	}
	return p.pending.Read(b)
}

func (p *TestPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	if p.WriteErr != nil {
		return 0, p.WriteErr
	}
	n, _ := p.written.Write(b)
	if p.ShortWrite && n > 0 {
		n--
	}
	return n, nil
}

func (p *TestPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

// AddLines queues each line, newline terminated, for reading.
func (p *TestPort) AddLines(lines ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range lines {
		p.pending.WriteString(l)
		p.pending.WriteByte('\n')
	}
	p.cond.Broadcast()
}

// FailRead makes the next Read return err.
func (p *TestPort) FailRead(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadErr = err
	p.cond.Broadcast()
}

// Written returns everything written so far.
func (p *TestPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}
