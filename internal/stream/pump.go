package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrIdleTimeout is wrapped when the upstream sends nothing for too long.
var ErrIdleTimeout = errors.New("upstream stream idle timeout")

// ErrorKind classifies stream failures.
type ErrorKind string

const (
	KindRead        ErrorKind = "read"
	KindIdleTimeout ErrorKind = "idle_timeout"
	KindUpstream    ErrorKind = "upstream"
	KindProtocol    ErrorKind = "protocol"
	KindEmpty       ErrorKind = "empty"
)

// Error is a failure after the upstream stream has started.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("stream %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type readResult struct {
	data []byte
	err  error
}

// Pump reads events from body and hands each payload to fn until the stream
// ends (nil), fn fails (its error), ctx is done (ctx.Err()) or no event
// arrives within idle (*Error of KindIdleTimeout). A zero idle disables the
// timeout. body is closed before Pump returns.
func Pump(ctx context.Context, body io.ReadCloser, idle time.Duration, fn func([]byte) error) error {
	defer func() { _ = body.Close() }()

	results := make(chan readResult)
	done := make(chan struct{})
	defer close(done)

	go func() {
		r := NewReader(body)
		for {
			data, err := r.Next()
			select {
			case results <- readResult{data: data, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var timeout <-chan time.Time
	var timer *time.Timer
	if idle > 0 {
		timer = time.NewTimer(idle)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return &Error{Kind: KindIdleTimeout, Err: fmt.Errorf("%w after %s", ErrIdleTimeout, idle)}
		case res := <-results:
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					return nil
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return &Error{Kind: KindRead, Err: res.err}
			}
			if err := fn(res.data); err != nil {
				return err
			}
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(idle)
			}
		}
	}
}
