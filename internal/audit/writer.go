package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/medrex/ehr-access/pkg/config"
	"github.com/medrex/ehr-access/pkg/ids"
	"github.com/medrex/ehr-access/pkg/logger"
	"github.com/medrex/ehr-access/pkg/monitoring"
	"github.com/medrex/ehr-access/pkg/rbac"
)

// Options controls retry behavior of the writer
type Options struct {
	RetryAttempts int
	RetryBackoff  time.Duration
	WriteTimeout  time.Duration
}

// OptionsFromConfig extracts writer options from the audit configuration
func OptionsFromConfig(cfg config.AuditConfig) Options {
	return Options{
		RetryAttempts: cfg.RetryAttempts,
		RetryBackoff:  cfg.RetryBackoff,
		WriteTimeout:  cfg.WriteTimeout,
	}
}

// Writer is the single entry point to the audit trail.
// It is constructed once at startup, shared by every request and drained by Shutdown.
type Writer struct {
	store   rbac.DecisionStore
	opts    Options
	logger  *logger.Logger
	metrics *monitoring.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// NewWriter creates an audit trail writer over a decision store
func NewWriter(store rbac.DecisionStore, opts Options, log *logger.Logger, metrics *monitoring.Metrics) *Writer {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = rbac.DefaultAuditRetryAttempts
	}
	return &Writer{
		store:   store,
		opts:    opts,
		logger:  log,
		metrics: metrics,
		now:     time.Now,
	}
}

// Append durably records exactly one decision. It assigns the id and timestamp when unset,
// retries transient store failures and fails closed with AuditWriteFailure.
func (w *Writer) Append(ctx context.Context, d *rbac.AccessDecision) error {
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return rbac.AuditWriteFailure(rbac.ErrStoreClosed)
	}
	w.inflight.Add(1)
	w.mu.RUnlock()
	defer w.inflight.Done()

	if err := validateDecision(d); err != nil {
		return err
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = w.now().UTC()
	}
	if d.ID == "" {
		d.ID = ids.NewDecisionID(d.Timestamp)
	}

	start := time.Now()
	err := w.insertWithRetry(ctx, d)
	w.metrics.RecordAuditWrite(err == nil, time.Since(start))
	if err != nil {
		w.logger.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"decision_id": d.ID,
			"outcome":     d.Outcome,
		}).Error("Audit write failed; request fails closed")
		return rbac.AuditWriteFailure(err).WithDecision(d.ID)
	}
	return nil
}

// Options returns the writer's retry options with defaults applied
func (w *Writer) Options() Options {
	return w.opts
}

// Retry runs op up to opts.RetryAttempts times with linear backoff between attempts.
// Each attempt gets its own WriteTimeout when one is set; attempt counts from 1.
func Retry(ctx context.Context, opts Options, op func(ctx context.Context, attempt int) error) error {
	attempts := opts.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = runAttempt(ctx, opts.WriteTimeout, attempt, op)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%v: %w", lastErr, ctx.Err())
		case <-time.After(opts.RetryBackoff * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, lastErr)
}

func runAttempt(ctx context.Context, timeout time.Duration, attempt int, op func(ctx context.Context, attempt int) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return op(ctx, attempt)
}

func (w *Writer) insertWithRetry(ctx context.Context, d *rbac.AccessDecision) error {
	return Retry(ctx, w.opts, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			// A timed-out insert may still have committed.
			if _, err := w.store.Get(ctx, d.ID); err == nil {
				return nil
			}
		}

		err := w.store.Insert(ctx, d)
		if err != nil {
			w.logger.WithComponent("audit").WithError(err).WithFields(map[string]interface{}{
				"decision_id": d.ID,
				"attempt":     attempt,
			}).Warn("Audit insert failed")
		}
		return err
	})
}

func validateDecision(d *rbac.AccessDecision) error {
	if !d.Outcome.Valid() {
		return rbac.ValidationFailure(rbac.ErrorCodeInvalidRequest, "outcome", fmt.Sprintf("unknown outcome %q", d.Outcome))
	}
	if d.Outcome == rbac.OutcomeEmergencyAllow {
		if !d.IsBreakGlass || rbac.TextLength(d.Justification) < rbac.MinJustificationLength {
			return rbac.ValidationFailure(rbac.ErrorCodeJustificationTooShort, "justification",
				"emergency access requires a break-glass justification")
		}
	}
	if d.PrincipalID == "" || d.ResourceType == "" || d.Action == "" {
		return rbac.ValidationFailure(rbac.ErrorCodeInvalidRequest, "decision", "principal, resource type and action are required")
	}
	return nil
}

// Get returns one decision
func (w *Writer) Get(ctx context.Context, id string) (*rbac.AccessDecision, error) {
	return w.store.Get(ctx, id)
}

// Exists reports whether a decision with the id has been recorded
func (w *Writer) Exists(ctx context.Context, id string) (bool, error) {
	_, err := w.store.Get(ctx, id)
	if err == nil {
		return true, nil
	}
	if rbac.IsType(err, rbac.ErrorTypeNotFound) {
		return false, nil
	}
	return false, err
}

// Query returns one page of the audit trail
func (w *Writer) Query(ctx context.Context, filter rbac.AuditFilter) (*rbac.AuditPage, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, rbac.ValidationFailure(rbac.ErrorCodeInvalidRequest, "status", fmt.Sprintf("unknown status %q", filter.Status))
	}
	if !filter.StartDate.IsZero() && !filter.EndDate.IsZero() && filter.EndDate.Before(filter.StartDate) {
		return nil, rbac.ValidationFailure(rbac.ErrorCodeInvalidRequest, "endDate", "end date precedes start date")
	}
	filter.Normalize()
	return w.store.Query(ctx, filter)
}

// Summary aggregates the audit trail over [start, end]
func (w *Writer) Summary(ctx context.Context, start, end time.Time) (*rbac.ComplianceSummary, error) {
	if end.Before(start) {
		return nil, rbac.ValidationFailure(rbac.ErrorCodeInvalidRequest, "endDate", "end date precedes start date")
	}
	return w.store.Summary(ctx, start, end)
}

// Export writes every decision matching the filter as CSV, newest first.
// Paging fields of the filter are ignored. An open-ended filter is bounded at the
// export start so decisions appended meanwhile do not shift the pages.
func (w *Writer) Export(ctx context.Context, out io.Writer, filter rbac.AuditFilter) (int, error) {
	cw, err := NewCSVWriter(out)
	if err != nil {
		return 0, err
	}

	if filter.EndDate.IsZero() {
		filter.EndDate = w.now().UTC()
	}
	filter.Page = 1
	filter.Limit = rbac.MaxPageSize
	written := 0
	for {
		page, err := w.Query(ctx, filter)
		if err != nil {
			return written, err
		}
		if err := cw.Write(page.Decisions); err != nil {
			return written, err
		}
		written += len(page.Decisions)
		if filter.Page >= page.TotalPages {
			break
		}
		filter.Page++
	}

	return written, cw.Flush()
}

// Shutdown rejects new appends and waits for in-flight ones to finish
func (w *Writer) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.WithComponent("audit").Info("Audit writer drained")
		return nil
	case <-ctx.Done():
		return errors.New("audit writer shutdown timed out with appends in flight")
	}
}
