package stream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

const maxLineBytes = 4 << 20

// ErrLineTooLong is returned for a single SSE line over the size limit.
var ErrLineTooLong = errors.New("sse line exceeds limit")

// Reader splits a server-sent event stream into event payloads.
//
// Consecutive data: lines of one event are joined with "\n". Comment lines and
// the event:, id: and retry: fields are skipped. A bare JSON line outside any
// event is accepted as a payload, since upstream error bodies arrive that way.
// The [DONE] sentinel ends the stream with io.EOF.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64<<10)}
}

// Next returns the next event payload, or io.EOF at the end of the stream.
func (s *Reader) Next() ([]byte, error) {
	var data [][]byte
	for {
		line, err := s.readLine()
		if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
			if errors.Is(err, io.EOF) && len(data) > 0 {
				return dispatch(data)
			}
			return nil, err
		}
		atEOF := err != nil

		switch {
		case len(line) == 0:
			if len(data) > 0 {
				return dispatch(data)
			}
		case line[0] == ':':
		case bytes.HasPrefix(line, []byte("data:")):
			v := line[len("data:"):]
			if len(v) > 0 && v[0] == ' ' {
				v = v[1:]
			}
			data = append(data, v)
		case line[0] == '{' && len(data) == 0:
			return line, nil
		default:
			// event:, id:, retry: and unknown fields
		}

		if atEOF {
			if len(data) > 0 {
				return dispatch(data)
			}
			return nil, io.EOF
		}
	}
}

func dispatch(data [][]byte) ([]byte, error) {
	payload := bytes.Join(data, []byte("\n"))
	if bytes.Equal(bytes.TrimSpace(payload), []byte("[DONE]")) {
		return nil, io.EOF
	}
	return payload, nil
}

// readLine returns one line without its terminator. io.EOF may accompany a
// final unterminated line.
func (s *Reader) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := s.r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > maxLineBytes {
			return nil, ErrLineTooLong
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		buf = bytes.TrimRight(buf, "\r\n")
		if err != nil {
			return buf, err
		}
		return buf, nil
	}
}
