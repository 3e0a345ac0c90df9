package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// WriteFrame serializes v as one JSON line and flushes it. One frame is
// exactly one message; the trailing newline is the message terminator.
func WriteFrame(w *bufio.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}

// ReadFrame reads one newline-terminated JSON message into v. An io.EOF
// before any bytes means the peer closed the connection cleanly.
func ReadFrame(r *bufio.Reader, v any) error {
	line, err := r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) == 0 {
			return io.EOF
		}
		return err
	}
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
