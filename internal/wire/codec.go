package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	arbiterErrors "github.com/okarsono/arbiter/internal/errors"
)

const (
	initialLineBytes = 64 * 1024
	// maxLineBytes bounds a single protocol line. A player that ships a
	// bigger payload is violating the protocol, not stressing the codec.
	maxLineBytes = 1 << 20
)

// Codec frames newline-delimited JSON messages over a stream connection.
// It is not safe for concurrent use; each connection worker owns one.
type Codec struct {
	scanner *bufio.Scanner
	w       io.Writer
}

// NewCodec wraps a connection (or any read/writer) in a Codec.
func NewCodec(rw io.ReadWriter) *Codec {
	scanner := bufio.NewScanner(rw)
	scanner.Buffer(make([]byte, initialLineBytes), maxLineBytes)
	return &Codec{scanner: scanner, w: rw}
}

// ReadLine returns the next non-blank line, or io.EOF once the peer hangs up.
func (c *Codec) ReadLine() ([]byte, error) {
	for c.scanner.Scan() {
		line := bytes.TrimSpace(c.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
	if err := c.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, arbiterErrors.Protocol("message exceeds line limit")
		}
		return nil, err
	}
	return nil, io.EOF
}

// ReadLogin decodes the next line as a LoginRequest.
func (c *Codec) ReadLogin() (*LoginRequest, error) {
	line, err := c.ReadLine()
	if err != nil {
		return nil, err
	}
	var req LoginRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, arbiterErrors.Protocol(fmt.Sprintf("malformed login message: %v", err))
	}
	return &req, nil
}

// ReadTurn decodes the next line as a TurnMessage.
func (c *Codec) ReadTurn() (*TurnMessage, error) {
	line, err := c.ReadLine()
	if err != nil {
		return nil, err
	}
	var msg TurnMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, arbiterErrors.Protocol(fmt.Sprintf("malformed turn message: %v", err))
	}
	return &msg, nil
}

// Write marshals v and sends it as one line.
func (c *Codec) Write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}
