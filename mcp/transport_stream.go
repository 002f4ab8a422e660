package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

const maxMessageSize = 4 << 20

// ParseError reports a line that is not a JSON-RPC message. The stream stays
// usable after a ParseError.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp: decode message: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type received struct {
	message Message
	err     error
}

// StreamTransport exchanges newline-delimited JSON messages over a reader and
// writer pair, such as a process's stdin and stdout.
type StreamTransport struct {
	writeMu sync.Mutex
	w       io.Writer
	closer  io.Closer

	recvCh    chan received
	done      chan struct{}
	closeOnce sync.Once
}

// NewStreamTransport starts reading r in the background. closer, when non-nil,
// is closed by Close.
func NewStreamTransport(r io.Reader, w io.Writer, closer io.Closer) *StreamTransport {
	t := &StreamTransport{
		w:      w,
		closer: closer,
		recvCh: make(chan received),
		done:   make(chan struct{}),
	}
	go t.readLoop(r)
	return t
}

func (t *StreamTransport) readLoop(r io.Reader) {
	defer close(t.recvCh)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var item received
		if err := json.Unmarshal(line, &item.message); err != nil {
			item = received{err: &ParseError{Err: err}}
		}
		select {
		case t.recvCh <- item:
		case <-t.done:
			return
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	select {
	case t.recvCh <- received{err: err}:
	case <-t.done:
	}
}

// Send writes message followed by a newline.
func (t *StreamTransport) Send(_ context.Context, message Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("mcp: encode message: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.w.Write(data); err != nil {
		return fmt.Errorf("mcp: write message: %w", err)
	}
	return nil
}

// Receive returns the next message. It returns io.EOF once the reader is
// exhausted.
func (t *StreamTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-t.done:
		return Message{}, io.EOF
	case item, ok := <-t.recvCh:
		if !ok {
			return Message{}, io.EOF
		}
		return item.message, item.err
	}
}

// Close stops delivering messages and closes the underlying closer.
func (t *StreamTransport) Close(context.Context) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		if t.closer != nil {
			err = t.closer.Close()
		}
	})
	if err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("mcp: close stream: %w", err)
	}
	return nil
}
