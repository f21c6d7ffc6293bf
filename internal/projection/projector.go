// Package projection maintains the per-patient day summaries from the
// administration event stream.
package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/epis/medadmin/internal/domain/dosing"
	"github.com/epis/medadmin/internal/infrastructure/redpanda"
	"github.com/epis/medadmin/internal/observability/metrics"
	"github.com/epis/medadmin/pkg/idempotency"
	"github.com/epis/medadmin/pkg/workerpool"
)

// HandlerName identifies the projection in inbox entries.
const HandlerName = "dose-day-summary"

// SummaryStore persists projected summaries.
type SummaryStore interface {
	UpsertSummary(ctx context.Context, s dosing.Summary) error
	ListSummaries(ctx context.Context, day dosing.Day) ([]dosing.Summary, error)
}

// Projector re-resolves a patient's day and stores its counts.
type Projector struct {
	resolver  *dosing.Resolver
	summaries SummaryStore
	inbox     *idempotency.Inbox
	pool      *workerpool.Pool
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
}

// Config holds projector settings.
type Config struct {
	Workers    int
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultConfig returns the projection defaults.
func DefaultConfig() Config {
	return Config{Workers: 8, MaxRetries: 2, RetryDelay: 200 * time.Millisecond}
}

// IsTerminal reports whether a projection error will fail again on redelivery.
func IsTerminal(err error) bool {
	return errors.Is(err, dosing.ErrInvalidInput) || errors.Is(err, errMalformed)
}

var errMalformed = errors.New("malformed event")

// New creates a projector and starts its worker pool. m may be nil.
func New(resolver *dosing.Resolver, summaries SummaryStore, inbox *idempotency.Inbox, cfg Config, m *metrics.Metrics, logger *zap.Logger) (*Projector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if resolver == nil || summaries == nil || inbox == nil {
		return nil, fmt.Errorf("resolver, summary store and inbox are required")
	}

	p := &Projector{
		resolver:  resolver,
		summaries: summaries,
		inbox:     inbox,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("summary-projection"),
	}

	poolCfg := workerpool.DefaultConfig()
	if cfg.Workers > 0 {
		poolCfg.Workers = cfg.Workers
	}
	poolCfg.MaxRetries = cfg.MaxRetries
	if cfg.RetryDelay > 0 {
		poolCfg.RetryDelay = cfg.RetryDelay
	}
	poolCfg.Retryable = func(err error) bool {
		return errors.Is(err, dosing.ErrDataUnavailable) || errors.Is(err, dosing.ErrConflictingWrite)
	}

	pool, err := workerpool.New(poolCfg, p.runGroup, logger.Named("projection-pool"))
	if err != nil {
		return nil, err
	}
	pool.Start()
	p.pool = pool
	return p, nil
}

// NewInline creates a projector for synchronous use through Project only,
// as the API does when no broker is configured.
func NewInline(resolver *dosing.Resolver, summaries SummaryStore, logger *zap.Logger) *Projector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Projector{
		resolver:  resolver,
		summaries: summaries,
		logger:    logger,
		tracer:    otel.Tracer("summary-projection"),
	}
}

// Healthy reports whether the worker queue is keeping up.
func (p *Projector) Healthy() bool {
	return p.pool == nil || p.pool.IsHealthy()
}

// Close stops the worker pool.
func (p *Projector) Close() error {
	if p.pool == nil {
		return nil
	}
	return p.pool.Stop()
}

// Project resolves the patient's day and upserts its summary.
func (p *Projector) Project(ctx context.Context, patientID string, day dosing.Day) (dosing.Summary, error) {
	ctx, span := p.tracer.Start(ctx, "project_summary",
		trace.WithAttributes(
			attribute.String("patient_id", patientID),
			attribute.String("day", day.String()),
		))
	defer span.End()

	lines, err := p.resolver.Resolve(ctx, patientID, day)
	if err != nil {
		span.RecordError(err)
		return dosing.Summary{}, err
	}
	sum := dosing.Summarize(patientID, day, lines)
	if err := p.summaries.UpsertSummary(ctx, sum); err != nil {
		span.RecordError(err)
		return dosing.Summary{}, fmt.Errorf("upsert summary: %w", err)
	}
	return sum, nil
}

// Summaries lists the projected summaries of a day.
func (p *Projector) Summaries(ctx context.Context, day dosing.Day) ([]dosing.Summary, error) {
	return p.summaries.ListSummaries(ctx, day)
}

type message struct {
	key string
	raw json.RawMessage
}

type group struct {
	patientID string
	day       dosing.Day
	messages  []message
}

// HandleBatch is the consumer's batch handler. Messages are grouped by
// (patient, day) and each group is projected once. A non-nil return makes
// the consumer redeliver the batch; finished messages are then skipped by
// the inbox.
func (p *Projector) HandleBatch(ctx context.Context, msgs []*redpanda.ConsumedMessage) error {
	if p.pool == nil || p.inbox == nil {
		return errors.New("projector was created without an inbox")
	}
	groups := p.group(msgs)
	if p.metrics != nil {
		p.metrics.EventsConsumed.Add(float64(len(msgs)))
	}
	if len(groups) == 0 {
		return nil
	}

	tasks := make([]*workerpool.Task, len(groups))
	for i, g := range groups {
		tasks[i] = &workerpool.Task{
			ID:      g.patientID + "/" + g.day.String(),
			Payload: g,
			Context: ctx,
		}
	}

	results, err := p.pool.RunBatch(ctx, tasks)
	if err != nil {
		return err
	}

	var failed int
	for _, r := range results {
		if r.Success {
			continue
		}
		failed++
		p.logger.Warn("summary projection failed",
			zap.String("group", r.TaskID),
			zap.Int("attempts", r.Attempts),
			zap.Error(r.Error))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d summaries not projected", failed, len(groups))
	}
	return nil
}

func (p *Projector) group(msgs []*redpanda.ConsumedMessage) []*group {
	var groups []*group
	index := make(map[string]*group)
	for _, m := range msgs {
		env, data, err := dosing.DecodeAdministrationRecorded(m.Value)
		if err != nil || env.EventType != dosing.EventAdministrationRecorded || data.PatientID == "" || data.Day.IsZero() {
			p.logger.Warn("skipping malformed administration event",
				zap.String("topic", m.Topic),
				zap.Int32("partition", m.Partition),
				zap.Int64("offset", m.Offset),
				zap.Error(errors.Join(errMalformed, err)))
			p.count("malformed")
			continue
		}

		key := env.ID
		if key == "" {
			key = idempotency.GenerateKey(m.Topic, strconv.Itoa(int(m.Partition)), strconv.FormatInt(m.Offset, 10))
		}

		gk := data.PatientID + "|" + data.Day.String()
		g, ok := index[gk]
		if !ok {
			g = &group{patientID: data.PatientID, day: data.Day}
			index[gk] = g
			groups = append(groups, g)
		}
		g.messages = append(g.messages, message{key: key, raw: m.Value})
	}
	return groups
}

func (p *Projector) runGroup(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	g := task.Payload.(*group)

	// every new message of the group shares one projection
	var projected json.RawMessage
	project := func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		if projected != nil {
			return projected, nil
		}
		sum, err := p.Project(ctx, g.patientID, g.day)
		if err != nil {
			return nil, err
		}
		projected, err = json.Marshal(sum)
		return projected, err
	}

	for _, m := range g.messages {
		res, err := p.inbox.Process(ctx, m.key, HandlerName, m.raw, project)
		switch {
		case err == nil && res.Duplicate:
			p.count("duplicate")
		case err == nil:
			p.count("projected")
		case errors.Is(err, idempotency.ErrPreviouslyFailed), errors.Is(err, idempotency.ErrDuplicateMessage):
			p.count("skipped")
		case IsTerminal(err):
			p.logger.Warn("dropping administration event",
				zap.String("key", m.key),
				zap.String("patient_id", g.patientID),
				zap.Error(err))
			p.count("failed")
		default:
			return &workerpool.Result{Error: err}
		}
	}
	return &workerpool.Result{Success: true, Data: projected}
}

func (p *Projector) count(outcome string) {
	if p.metrics != nil {
		p.metrics.SummariesProjected.WithLabelValues(outcome).Inc()
	}
}
