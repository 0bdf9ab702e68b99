package connector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ErrNoCaptchaPending is returned when answering while no challenge is open.
var ErrNoCaptchaPending = errors.New("no captcha challenge pending")

// Challenge describes one CAPTCHA round of the login handshake.
type Challenge struct {
	UserID  uint32 `json:"user_id"`
	Attempt int    `json:"attempt"`
	Path    string `json:"path"`
	Bitmap  []byte `json:"-"`
}

// CaptchaSolver turns a challenge into the 4-character answer.
type CaptchaSolver interface {
	Solve(ctx context.Context, ch Challenge) (string, error)
}

// CaptchaFunc adapts a function to CaptchaSolver.
type CaptchaFunc func(ctx context.Context, ch Challenge) (string, error)

// Solve calls f.
func (f CaptchaFunc) Solve(ctx context.Context, ch Challenge) (string, error) {
	return f(ctx, ch)
}

// ConsoleSolver prompts on Out and reads the answer line from In.
type ConsoleSolver struct {
	In  io.Reader
	Out io.Writer
}

// Solve prints the bitmap location and waits for a line of input.
func (s *ConsoleSolver) Solve(ctx context.Context, ch Challenge) (string, error) {
	fmt.Fprintf(s.Out, "CAPTCHA required (attempt %d). Open %s and enter the code: ", ch.Attempt, ch.Path)

	type result struct {
		line string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		line, err := bufio.NewReader(s.In).ReadString('\n')
		if err != nil && line == "" {
			done <- result{err: fmt.Errorf("failed to read captcha answer: %w", err)}
			return
		}
		done <- result{line: strings.TrimSpace(line)}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		return r.line, r.err
	}
}

// CaptchaQueue parks a challenge until someone answers it through the API
// or the CLI.
type CaptchaQueue struct {
	mu      sync.Mutex
	pending *Challenge
	answers chan string
}

// NewCaptchaQueue creates an empty queue.
func NewCaptchaQueue() *CaptchaQueue {
	return &CaptchaQueue{}
}

// Solve publishes ch and blocks until Answer is called or ctx is done.
func (q *CaptchaQueue) Solve(ctx context.Context, ch Challenge) (string, error) {
	answers := make(chan string, 1)

	q.mu.Lock()
	q.pending = &ch
	q.answers = answers
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		if q.answers == answers {
			q.pending = nil
			q.answers = nil
		}
		q.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case answer := <-answers:
		return answer, nil
	}
}

// Pending returns the open challenge, if any.
func (q *CaptchaQueue) Pending() (Challenge, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending == nil {
		return Challenge{}, false
	}
	return *q.pending, true
}

// Answer resolves the open challenge.
func (q *CaptchaQueue) Answer(answer string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.answers == nil {
		return ErrNoCaptchaPending
	}
	q.answers <- strings.TrimSpace(answer)
	q.pending = nil
	q.answers = nil
	return nil
}
