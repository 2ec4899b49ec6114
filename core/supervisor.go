package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tucavoice/tuca-core/core/realtime"
)

// RetryPolicy bounds reconnection attempts after a retryable failure. The
// delay grows by Multiplier per consecutive failure, capped at MaxDelay; a
// successful connection resets the sequence.
type RetryPolicy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxAttempts  int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  5,
	}
}

type supervisorOptions struct {
	retryPolicy RetryPolicy
	dialTimeout time.Duration

	onFatalError func(err error)

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration)
}

type SupervisorOption func(*supervisorOptions)

func WithRetryPolicy(policy RetryPolicy) SupervisorOption {
	return func(o *supervisorOptions) { o.retryPolicy = policy }
}

// WithDialTimeout bounds each connection attempt.
func WithDialTimeout(timeout time.Duration) SupervisorOption {
	return func(o *supervisorOptions) { o.dialTimeout = timeout }
}

// WithFatalErrorCallback is called once when the conversation terminates on
// an error: a non-retryable failure or an exhausted retry budget. A clean
// Stop does not trigger it.
func WithFatalErrorCallback(callback func(err error)) SupervisorOption {
	return func(o *supervisorOptions) { o.onFatalError = callback }
}

// Supervisor owns the conversation lifecycle: it dials sessions, hands them
// to the engine, and reconnects with the same persona when a session drops.
type Supervisor struct {
	engine  *Engine
	dialer  realtime.Dialer
	persona realtime.PersonaConfig
	options supervisorOptions

	cancel    context.CancelFunc
	done      chan struct{}
	fatal     chan error
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewSupervisor(engine *Engine, dialer realtime.Dialer, persona realtime.PersonaConfig, opts ...SupervisorOption) *Supervisor {
	options := supervisorOptions{
		retryPolicy: DefaultRetryPolicy(),
		dialTimeout: 30 * time.Second,
		sleep: func(ctx context.Context, d time.Duration) {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
		},
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Supervisor{
		engine:  engine,
		dialer:  dialer,
		persona: persona,
		options: options,
		done:    make(chan struct{}),
		fatal:   make(chan error, 1),
	}
}

// Start launches the devices and the supervision loop. It returns
// immediately; the conversation runs until Stop or a fatal error.
func (s *Supervisor) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		s.engine.startPumps(ctx)
		go s.supervise(ctx)
	})
}

// Stop ends the conversation and releases the devices. Blocks until the
// supervision loop has unwound. Idempotent.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
	<-s.done
}

// Done is closed when the conversation has fully terminated, whether by Stop
// or by a fatal error.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// FatalError yields the error that terminated the conversation, if any. At
// most one error is ever sent.
func (s *Supervisor) FatalError() <-chan error { return s.fatal }

func (s *Supervisor) supervise(ctx context.Context) {
	defer close(s.done)
	defer s.engine.shutdown()

	policy := s.options.retryPolicy
	attempts := 0
	delay := policy.InitialDelay

	for ctx.Err() == nil {
		session, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !realtime.IsRetryable(err) {
				s.terminate(err)
				return
			}

			attempts++
			if attempts >= policy.MaxAttempts {
				s.terminate(fmt.Errorf("retry budget exhausted after %d attempts: %w", attempts, err))
				return
			}

			logger.Warn("Connection attempt failed, retrying",
				"attempt", attempts, "delay", delay.String(), "error", err)
			s.options.sleep(ctx, delay)
			delay = nextDelay(delay, policy)
			continue
		}

		// A live session resets the retry budget.
		attempts = 0
		delay = policy.InitialDelay
		s.engine.setState(StateIdle)

		err = s.engine.run(ctx, session)
		session.Close()

		if err == nil {
			return
		}
		if !realtime.IsRetryable(err) {
			s.terminate(err)
			return
		}

		logger.Warn("Session dropped, reconnecting", "error", err)
		s.engine.noteDisconnected()

		attempts++
		if attempts >= policy.MaxAttempts {
			s.terminate(fmt.Errorf("retry budget exhausted after %d attempts: %w", attempts, err))
			return
		}
		s.options.sleep(ctx, delay)
		delay = nextDelay(delay, policy)
	}
}

// dial reconnects with the persona the supervisor was created with, byte for
// byte, so the assistant's character survives connection drops.
func (s *Supervisor) dial(ctx context.Context) (realtime.Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.options.dialTimeout)
	defer cancel()

	dialCtx, span := tracer.Start(dialCtx, "conversation.dial")
	defer span.End()

	session, err := s.dialer.Dial(dialCtx, s.persona)
	if err != nil {
		span.RecordError(err)
	}
	return session, err
}

func (s *Supervisor) terminate(err error) {
	// Cut any in-flight assistant audio before the error surfaces, so the
	// speaker never keeps talking past the failure.
	s.engine.playback.Flush()

	logger.Error("Conversation terminated", "error", err)
	s.fatal <- err
	if s.options.onFatalError != nil {
		s.options.onFatalError(err)
	}
}

func nextDelay(delay time.Duration, policy RetryPolicy) time.Duration {
	next := time.Duration(float64(delay) * policy.Multiplier)
	if next > policy.MaxDelay {
		next = policy.MaxDelay
	}
	return next
}
