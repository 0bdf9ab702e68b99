package script

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/seerlink-project/seerlink/internal/events"
	"github.com/seerlink-project/seerlink/internal/protocol"
)

// ErrNoReply is returned when a step's reply never arrived.
var ErrNoReply = errors.New("no reply")

// Sender is the part of the game client a script drives.
type Sender interface {
	SendHex(ctx context.Context, hexPacket string) error
	RequestHex(ctx context.Context, hexPacket string, replyCmd uint32, timeout time.Duration) (*protocol.Packet, bool, error)
}

// StepResult records what one step did.
type StepResult struct {
	Index    int    `json:"index"`
	Name     string `json:"name,omitempty"`
	Attempts int    `json:"attempts"`
	Replied  bool   `json:"replied"`
	ReplyHex string `json:"reply_hex,omitempty"`
}

// Report summarizes a script run.
type Report struct {
	Script   string        `json:"script"`
	Steps    []StepResult  `json:"steps"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Runner executes scripts one at a time.
type Runner struct {
	mu             sync.Mutex
	lib            *Library
	sender         Sender
	defaultTimeout time.Duration
	logger         zerolog.Logger
}

// NewRunner creates a runner. defaultTimeout applies to steps that await a
// reply without their own timeout.
func NewRunner(lib *Library, sender Sender, defaultTimeout time.Duration) *Runner {
	return &Runner{
		lib:            lib,
		sender:         sender,
		defaultTimeout: defaultTimeout,
		logger:         log.With().Str("component", "scripts").Logger(),
	}
}

// List returns the available script names.
func (r *Runner) List() ([]string, error) {
	return r.lib.List()
}

// RunNamed loads and runs a script from the library.
func (r *Runner) RunNamed(ctx context.Context, name string) (*Report, error) {
	s, err := r.lib.Get(name)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, s)
}

// Run executes s. The report is returned even when a step fails.
func (r *Runner) Run(ctx context.Context, s *Script) (*Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	report := &Report{Script: s.Name}
	r.logger.Info().Str("script", s.Name).Int("steps", len(s.Steps)).Msg("running script")

	err := r.run(ctx, s, report)
	report.Duration = time.Since(start)

	if err != nil {
		report.Error = err.Error()
		r.logger.Warn().Err(err).Str("script", s.Name).Msg("script failed")
		return report, fmt.Errorf("script %s: %w", s.Name, err)
	}

	r.logger.Info().Str("script", s.Name).Dur("duration", report.Duration).Msg("script finished")
	return report, nil
}

func (r *Runner) run(ctx context.Context, s *Script, report *Report) error {
	for i, step := range s.Steps {
		res := StepResult{Index: i + 1, Name: step.Name}

		if step.Send != "" {
			err := r.runStep(ctx, step, &res)
			report.Steps = append(report.Steps, res)
			if err != nil {
				return fmt.Errorf("step %d: %w", i+1, err)
			}
		} else {
			report.Steps = append(report.Steps, res)
		}

		if step.Sleep > 0 {
			t := time.NewTimer(step.Sleep)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
	return nil
}

func (r *Runner) runStep(ctx context.Context, step Step, res *StepResult) error {
	if step.Await == 0 {
		res.Attempts = 1
		return r.sender.SendHex(ctx, step.Send)
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	for attempt := 1; attempt <= step.Retries+1; attempt++ {
		res.Attempts = attempt

		pkt, ok, err := r.sender.RequestHex(ctx, step.Send, step.Await, timeout)
		if err != nil {
			return err
		}
		if ok {
			res.Replied = true
			res.ReplyHex = pkt.Hex()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.logger.Debug().
			Uint32("await", step.Await).
			Int("attempt", attempt).
			Msg("reply not received, resending")
	}
	return fmt.Errorf("%w to command %d after %d attempts", ErrNoReply, step.Await, res.Attempts)
}

// Attach runs scripts named by run_script events.
func (r *Runner) Attach(bus *events.EventBus) {
	bus.Subscribe(events.EventRunScript, "scripts", func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.RunScriptPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T", e.Payload)
		}
		_, err := r.RunNamed(ctx, p.Name)
		return err
	})
}
