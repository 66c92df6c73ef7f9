// Package bootstrap is the out-of-band transport demo binaries use to
// ship a contact token from the process that created a region to the
// peer that will attach to it. Neither region nor queue import this
// package: a real deployment may ship the token over any channel it
// likes (a file, an environment variable, a message queue); this one is
// a convenience for same-host demos and tests.
//
// Adapted from the feeder's ipc.Publisher: the same dial/retry loop and
// mutex-guarded net.Conn, carrying framed contact-token bytes instead of
// JSON ticker envelopes.
package bootstrap

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/raffino/dfshm/dfshmerr"
)

const dialRetries = 3

// Publisher dials a Unix socket and ships length-prefixed contact
// tokens to whatever Listener is on the other end.
type Publisher struct {
	path string
	mu   sync.Mutex
	conn net.Conn
}

func NewPublisher(path string) *Publisher {
	p := &Publisher{path: path}
	p.dial() // best-effort; the listener may not be up yet
	return p
}

func (p *Publisher) dial() {
	conn, err := net.Dial("unix", p.path)
	if err != nil {
		return // retried lazily on next Send
	}
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	log.Printf("bootstrap: connected to %s", p.path)
}

// Send frames token as a 4-byte big-endian length prefix followed by
// the token bytes, retrying the dial a bounded number of times if the
// listener was not yet up.
func (p *Publisher) Send(token []byte) error {
	frame := make([]byte, 4+len(token))
	binary.BigEndian.PutUint32(frame, uint32(len(token)))
	copy(frame[4:], token)

	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < dialRetries; attempt++ {
		if p.conn == nil {
			p.mu.Unlock()
			time.Sleep(100 * time.Millisecond)
			p.mu.Lock()
			conn, err := net.Dial("unix", p.path)
			if err != nil {
				lastErr = err
				continue
			}
			p.conn = conn
			log.Printf("bootstrap: reconnected to %s", p.path)
		}
		if _, err := p.conn.Write(frame); err != nil {
			p.conn.Close()
			p.conn = nil
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: bootstrap send to %s: %v", dfshmerr.ErrResourceExhausted, p.path, lastErr)
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}

// Listener accepts a single Unix socket connection and yields framed
// contact tokens as they arrive.
type Listener struct {
	path string
	ln   net.Listener
}

// Listen removes any stale socket file at path (a prior run that did
// not shut down cleanly) and starts listening.
func Listen(path string) (*Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: remove stale bootstrap socket %s: %v", dfshmerr.ErrResourceExhausted, path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("%w: listen on %s: %v", dfshmerr.ErrResourceExhausted, path, err)
	}
	return &Listener{path: path, ln: ln}, nil
}

// Accept blocks for one incoming connection and reads exactly one
// framed token from it before closing the connection.
func (l *Listener) Accept() ([]byte, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("%w: accept on %s: %v", dfshmerr.ErrResourceExhausted, l.path, err)
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	var lenBuf [4]byte
	if _, err := readFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: read bootstrap frame length: %v", dfshmerr.ErrResourceExhausted, err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	token := make([]byte, n)
	if _, err := readFull(r, token); err != nil {
		return nil, fmt.Errorf("%w: read bootstrap frame body: %v", dfshmerr.ErrResourceExhausted, err)
	}
	return token, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (l *Listener) Close() error {
	err := l.ln.Close()
	os.Remove(l.path)
	return err
}
