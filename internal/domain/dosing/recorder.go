package dosing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RecordInput is one operator submission for a dose.
type RecordInput struct {
	PrescriptionID string
	Slot           Slot
	Day            Day
	Status         Status
	Remarks        string
	Operator       string
}

// RecorderConfig holds recorder settings.
type RecorderConfig struct {
	// Location is the ward time zone used to place a day on the clock.
	Location *time.Location
	// AllowOutOfRange accepts recordings for days outside the prescription
	// range. Off by default.
	AllowOutOfRange bool
}

// Recorder applies the upsert policy for administration events.
type Recorder struct {
	prescriptions PrescriptionStore
	log           AdministrationLog
	config        RecorderConfig
	logger        *zap.Logger
	tracer        trace.Tracer
	now           func() time.Time
	newID         func() string
}

// NewRecorder creates a recorder over the given stores.
func NewRecorder(prescriptions PrescriptionStore, log AdministrationLog, cfg RecorderConfig, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Recorder{
		prescriptions: prescriptions,
		log:           log,
		config:        cfg,
		logger:        logger,
		tracer:        otel.Tracer("dose-recorder"),
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

// Record inserts the administration for (prescription, slot, day) or
// overwrites the existing one. Re-submitting the same key never creates a
// second event.
func (r *Recorder) Record(ctx context.Context, in RecordInput) (UpsertResult, error) {
	ctx, span := r.tracer.Start(ctx, "record_administration",
		trace.WithAttributes(
			attribute.String("prescription_id", in.PrescriptionID),
			attribute.String("slot", string(in.Slot)),
			attribute.String("day", in.Day.String()),
			attribute.String("status", string(in.Status)),
		))
	defer span.End()

	result, err := r.record(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Kind(err))
		r.logger.Warn("record administration failed",
			zap.String("prescription_id", in.PrescriptionID),
			zap.String("slot", string(in.Slot)),
			zap.Stringer("day", in.Day),
			zap.String("operator", in.Operator),
			zap.String("kind", Kind(err)),
			zap.Error(err))
		return "", err
	}

	span.SetAttributes(attribute.String("result", string(result)))
	r.logger.Info("administration recorded",
		zap.String("prescription_id", in.PrescriptionID),
		zap.String("slot", string(in.Slot)),
		zap.Stringer("day", in.Day),
		zap.String("status", string(in.Status)),
		zap.String("operator", in.Operator),
		zap.String("result", string(result)))
	return result, nil
}

func (r *Recorder) record(ctx context.Context, in RecordInput) (UpsertResult, error) {
	if err := in.validate(); err != nil {
		return "", err
	}

	rx, err := r.prescriptions.GetPrescription(ctx, in.PrescriptionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("%w: unknown prescription %q", ErrInvalidInput, in.PrescriptionID)
		}
		return "", unavailable("get prescription", err)
	}
	if !rx.HasSlot(in.Slot) {
		return "", fmt.Errorf("%w: slot %s not prescribed for %s", ErrInvalidInput, in.Slot, rx.ID)
	}
	if !r.config.AllowOutOfRange && !rx.ActiveOn(in.Day) {
		return "", fmt.Errorf("%w: %s outside prescription range %s..%s",
			ErrInvalidInput, in.Day, rx.StartDate, rx.EndDate)
	}

	now := r.now()
	event := AdministrationEvent{
		ID:             r.newID(),
		PrescriptionID: rx.ID,
		PatientID:      rx.PatientID,
		Slot:           in.Slot,
		Day:            in.Day,
		Status:         in.Status,
		Remarks:        strings.TrimSpace(in.Remarks),
		Operator:       strings.TrimSpace(in.Operator),
		AdministeredAt: onDay(in.Day, now, r.config.Location),
		RecordedAt:     now.UTC(),
	}

	result, err := r.log.UpsertEvent(ctx, event)
	if err != nil {
		return "", unavailable("upsert administration", err)
	}
	return result, nil
}

func (in RecordInput) validate() error {
	switch {
	case strings.TrimSpace(in.PrescriptionID) == "":
		return invalid("prescription id is required")
	case !in.Slot.Valid():
		return fmt.Errorf("%w: unknown slot %q", ErrInvalidInput, in.Slot)
	case !in.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, in.Status)
	case in.Day.IsZero():
		return invalid("day is required")
	case strings.TrimSpace(in.Operator) == "":
		return invalid("operator is required")
	}
	return nil
}

// onDay places the time of day of now on day, so the stored timestamp always
// truncates back to day.
func onDay(day Day, now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	start := day.Start(loc)
	return time.Date(start.Year(), start.Month(), start.Day(),
		local.Hour(), local.Minute(), local.Second(), local.Nanosecond(), loc)
}
