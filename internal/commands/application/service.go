package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"fleet-core/internal/auth"
	commands "fleet-core/internal/commands/domain"
	"fleet-core/internal/observability/metrics"

	"github.com/google/uuid"
)

// Queue is the persistence surface of the command queue.
type Queue interface {
	Create(ctx context.Context, cmd commands.Command) (commands.Command, error)
	GetByID(ctx context.Context, id uuid.UUID) (*commands.Command, error)
	ClaimNext(ctx context.Context, deviceID uuid.UUID) (*commands.Command, error)
	MarkAcknowledged(ctx context.Context, id uuid.UUID) (bool, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, result map[string]any) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) (bool, error)
	MarkTimeout(ctx context.Context, id uuid.UUID, errorMessage string) (bool, error)
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
	Retry(ctx context.Context, id uuid.UUID) (bool, error)
	ExpireOverdue(ctx context.Context) ([]commands.Command, error)
	History(ctx context.Context, deviceID uuid.UUID, limit int) ([]commands.Command, error)
}

// DispatchNotifier announces a freshly queued command so a device-facing
// executor wakes up without polling.
type DispatchNotifier interface {
	NotifyDispatch(ctx context.Context, cmd commands.Command) error
}

// OutcomeRecorder receives command outcomes for the event log.
type OutcomeRecorder interface {
	RecordCommandOutcome(ctx context.Context, deviceID, commandID uuid.UUID, outcome string) error
}

// Executor carries a command of one type to the device and returns its
// result payload.
type Executor interface {
	Execute(ctx context.Context, cmd commands.Command) (map[string]any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, cmd commands.Command) (map[string]any, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, cmd commands.Command) (map[string]any, error) {
	return f(ctx, cmd)
}

// Result is delivered to completion waiters.
type Result struct {
	Status       commands.Status
	Payload      map[string]any
	ErrorMessage string
}

// Service drives the command lifecycle from creation to result.
type Service struct {
	queue    Queue
	notifier DispatchNotifier
	outcomes OutcomeRecorder
	logger   *log.Logger

	defaultExpiry time.Duration
	maxRetries    int

	mu        sync.Mutex
	waiters   map[uuid.UUID][]chan Result
	executors map[string]Executor
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithDefaultExpiry sets the deadline applied to commands created
// without one.
func WithDefaultExpiry(expiry time.Duration) ServiceOption {
	return func(s *Service) {
		if expiry > 0 {
			s.defaultExpiry = expiry
		}
	}
}

// WithMaxRetries sets the retry budget for commands created without one.
func WithMaxRetries(retries int) ServiceOption {
	return func(s *Service) {
		if retries >= 0 {
			s.maxRetries = retries
		}
	}
}

// NewService wires a command service. Notifier and outcome recorder are
// optional.
func NewService(queue Queue, notifier DispatchNotifier, outcomes OutcomeRecorder, logger *log.Logger, opts ...ServiceOption) (*Service, error) {
	if queue == nil {
		return nil, errors.New("command service: nil queue")
	}
	if logger == nil {
		return nil, errors.New("command service: nil logger")
	}
	s := &Service{
		queue:         queue,
		notifier:      notifier,
		outcomes:      outcomes,
		logger:        logger,
		defaultExpiry: commands.DefaultExpiry,
		maxRetries:    3,
		waiters:       make(map[uuid.UUID][]chan Result),
		executors:     make(map[string]Executor),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RegisterExecutor binds a command type to its executor. Registration
// happens at startup; later calls replace the binding.
func (s *Service) RegisterExecutor(commandType string, executor Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executors[commandType] = executor
}

// Create enqueues a command, applying priority and expiry defaults, and
// publishes a dispatch notice.
func (s *Service) Create(ctx context.Context, cmd commands.Command) (commands.Command, error) {
	if cmd.Priority == 0 {
		cmd.Priority = commands.PriorityDefault
	}
	if cmd.ExpiresAt.IsZero() {
		cmd.ExpiresAt = time.Now().UTC().Add(s.defaultExpiry)
	}
	if cmd.MaxRetries == 0 {
		cmd.MaxRetries = s.maxRetries
	}
	if cmd.CreatedBy == nil {
		if actor, ok := auth.ActorFromContext(ctx); ok {
			cmd.CreatedBy = &actor.UserID
		}
	}

	created, err := s.queue.Create(ctx, cmd)
	if err != nil {
		return commands.Command{}, err
	}
	metrics.IncCommandCreated()
	s.logger.Printf("commands: queued %s %s for device %s (priority %d)",
		created.CommandType, created.ID, created.DeviceID, created.Priority)

	if s.notifier != nil {
		if err := s.notifier.NotifyDispatch(ctx, created); err != nil {
			s.logger.Printf("commands: dispatch notice for %s: %v", created.ID, err)
		}
	}
	return created, nil
}

// Get fetches one command, nil when unknown.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*commands.Command, error) {
	return s.queue.GetByID(ctx, id)
}

// History lists a device's commands newest first.
func (s *Service) History(ctx context.Context, deviceID uuid.UUID, limit int) ([]commands.Command, error) {
	return s.queue.History(ctx, deviceID, limit)
}

// Claim atomically takes the next dispatchable command for a device.
// Nil means the queue holds nothing for it.
func (s *Service) Claim(ctx context.Context, deviceID uuid.UUID) (*commands.Command, error) {
	cmd, err := s.queue.ClaimNext(ctx, deviceID)
	if err != nil {
		metrics.IncCommandClaim("error")
		return nil, err
	}
	if cmd == nil {
		metrics.IncCommandClaim("empty")
		return nil, nil
	}
	metrics.IncCommandClaim("claimed")
	return cmd, nil
}

// Acknowledge records the device's receipt of a sent command.
func (s *Service) Acknowledge(ctx context.Context, id uuid.UUID) error {
	ok, err := s.queue.MarkAcknowledged(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("commands: %s not in sent state", id)
	}
	return nil
}

// ReportResult finishes a command with the device's outcome. Reporting
// against a command already in a terminal state is a no-op, so duplicate
// result deliveries are harmless.
func (s *Service) ReportResult(ctx context.Context, id uuid.UUID, success bool, payload map[string]any, errorMessage string) error {
	var ok bool
	var err error
	status := commands.StatusCompleted
	if success {
		ok, err = s.queue.MarkCompleted(ctx, id, payload)
	} else {
		status = commands.StatusFailed
		ok, err = s.queue.MarkFailed(ctx, id, errorMessage)
	}
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Printf("commands: result for %s ignored, already terminal", id)
		return nil
	}

	metrics.IncCommandResult(string(status))
	s.recordOutcome(ctx, id, string(status))
	s.notifyWaiters(id, Result{Status: status, Payload: payload, ErrorMessage: errorMessage})
	return nil
}

// Cancel aborts a command that has not been acknowledged yet.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	ok, err := s.queue.Cancel(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("commands: %s cannot be cancelled", id)
	}
	metrics.IncCommandResult(string(commands.StatusCancelled))
	s.recordOutcome(ctx, id, string(commands.StatusCancelled))
	s.notifyWaiters(id, Result{Status: commands.StatusCancelled})
	return nil
}

// Retry re-queues a failed or timed-out command while its retry budget
// and deadline allow.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) error {
	ok, err := s.queue.Retry(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("commands: %s cannot be retried", id)
	}
	s.logger.Printf("commands: %s re-queued for retry", id)
	return nil
}

// WaitForCompletion blocks until the command reaches a terminal state or
// the timeout passes. On timeout the stored command is forced to the
// timeout state so it cannot be claimed afterwards.
func (s *Service) WaitForCompletion(ctx context.Context, id uuid.UUID, timeout time.Duration) (Result, error) {
	ch := make(chan Result, 1)
	s.addWaiter(id, ch)
	defer s.removeWaiter(id, ch)

	// The command may already be terminal.
	if cmd, err := s.queue.GetByID(ctx, id); err != nil {
		return Result{}, err
	} else if cmd == nil {
		return Result{}, fmt.Errorf("commands: %s not found", id)
	} else if cmd.Status.IsTerminal() {
		return Result{Status: cmd.Status, Payload: cmd.Result, ErrorMessage: cmd.ErrorMessage}, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-ch:
		return result, nil
	case <-timer.C:
		return s.timeoutCommand(ctx, id, ch)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// timeoutCommand forces the stored command to the timeout state when a
// waiter's deadline passes, waking any other waiters. When the mark loses
// the race against a result delivery, the delivered result wins.
func (s *Service) timeoutCommand(ctx context.Context, id uuid.UUID, ch chan Result) (Result, error) {
	const message = "wait timed out"
	ok, err := s.queue.MarkTimeout(ctx, id, message)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		select {
		case result := <-ch:
			return result, nil
		default:
		}
		cmd, err := s.queue.GetByID(ctx, id)
		if err != nil {
			return Result{}, err
		}
		if cmd != nil && cmd.Status.IsTerminal() {
			return Result{Status: cmd.Status, Payload: cmd.Result, ErrorMessage: cmd.ErrorMessage}, nil
		}
		return Result{Status: commands.StatusTimeout, ErrorMessage: message}, nil
	}

	result := Result{Status: commands.StatusTimeout, ErrorMessage: message}
	metrics.IncCommandResult(string(commands.StatusTimeout))
	s.recordOutcome(ctx, id, string(commands.StatusTimeout))
	s.notifyWaiters(id, result)
	return result, nil
}

// ClaimAndExecute claims the next command for a device and runs it
// through the registered executor, reporting the outcome back to the
// queue. Returns false when nothing was claimable.
func (s *Service) ClaimAndExecute(ctx context.Context, deviceID uuid.UUID) (bool, error) {
	cmd, err := s.Claim(ctx, deviceID)
	if err != nil || cmd == nil {
		return false, err
	}

	executor := s.executorFor(cmd.CommandType)
	if executor == nil {
		reportErr := s.ReportResult(ctx, cmd.ID, false, nil,
			fmt.Sprintf("no executor for command type %s", cmd.CommandType))
		if reportErr != nil {
			return true, reportErr
		}
		return true, nil
	}

	if err := s.Acknowledge(ctx, cmd.ID); err != nil {
		s.logger.Printf("commands: acknowledge %s: %v", cmd.ID, err)
	}

	payload, execErr := executor.Execute(ctx, *cmd)
	if execErr != nil {
		return true, s.ReportResult(ctx, cmd.ID, false, nil, execErr.Error())
	}
	return true, s.ReportResult(ctx, cmd.ID, true, payload, "")
}

// ExpireOverdue sweeps in-flight commands past their deadline, notifying
// any waiters.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	expired, err := s.queue.ExpireOverdue(ctx)
	if err != nil {
		return 0, err
	}
	for _, cmd := range expired {
		metrics.IncCommandResult(string(commands.StatusTimeout))
		s.recordOutcome(ctx, cmd.ID, string(commands.StatusTimeout))
		s.notifyWaiters(cmd.ID, Result{Status: commands.StatusTimeout, ErrorMessage: cmd.ErrorMessage})
	}
	if len(expired) > 0 {
		metrics.AddCommandTimeouts(len(expired))
		s.logger.Printf("commands: expired %d overdue commands", len(expired))
	}
	return len(expired), nil
}

// RunExpirySweep expires overdue commands on a fixed interval until the
// context is cancelled.
func (s *Service) RunExpirySweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ExpireOverdue(ctx); err != nil {
				s.logger.Printf("commands: expiry sweep: %v", err)
			}
		}
	}
}

func (s *Service) executorFor(commandType string) Executor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if executor, ok := s.executors[commandType]; ok {
		return executor
	}
	return s.executors[commands.TypeCustom]
}

func (s *Service) addWaiter(id uuid.UUID, ch chan Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiters[id] = append(s.waiters[id], ch)
}

func (s *Service) removeWaiter(id uuid.UUID, ch chan Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.waiters[id][:0]
	for _, w := range s.waiters[id] {
		if w != ch {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 {
		delete(s.waiters, id)
		return
	}
	s.waiters[id] = kept
}

func (s *Service) notifyWaiters(id uuid.UUID, result Result) {
	s.mu.Lock()
	waiters := s.waiters[id]
	delete(s.waiters, id)
	s.mu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- result:
		default:
		}
	}
}

func (s *Service) recordOutcome(ctx context.Context, id uuid.UUID, outcome string) {
	if s.outcomes == nil {
		return
	}
	cmd, err := s.queue.GetByID(ctx, id)
	if err != nil || cmd == nil {
		return
	}
	if err := s.outcomes.RecordCommandOutcome(ctx, cmd.DeviceID, id, outcome); err != nil {
		s.logger.Printf("commands: record outcome for %s: %v", id, err)
	}
}
