package dosing

import (
	"context"
	"errors"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultWardConcurrency bounds the per-patient fan-out of ResolveWard.
const DefaultWardConcurrency = 8

// Resolver computes the dose lines of a patient for a day.
type Resolver struct {
	prescriptions PrescriptionStore
	log           AdministrationLog
	ward          WardDirectory
	concurrency   int
	logger        *zap.Logger
	tracer        trace.Tracer
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithWardDirectory enables ResolveWard.
func WithWardDirectory(w WardDirectory) ResolverOption {
	return func(r *Resolver) { r.ward = w }
}

// WithWardConcurrency sets how many patients ResolveWard resolves at once.
func WithWardConcurrency(n int) ResolverOption {
	return func(r *Resolver) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// NewResolver creates a resolver over the given stores.
func NewResolver(prescriptions PrescriptionStore, log AdministrationLog, logger *zap.Logger, opts ...ResolverOption) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{
		prescriptions: prescriptions,
		log:           log,
		concurrency:   DefaultWardConcurrency,
		logger:        logger,
		tracer:        otel.Tracer("dose-resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns one line per prescribed slot of every prescription active
// on day, with the recorded status or Pending. Unknown patients resolve to
// an empty slice.
func (r *Resolver) Resolve(ctx context.Context, patientID string, day Day) ([]DoseLine, error) {
	ctx, span := r.tracer.Start(ctx, "resolve_doses",
		trace.WithAttributes(
			attribute.String("patient_id", patientID),
			attribute.String("day", day.String()),
		))
	defer span.End()

	if day.IsZero() {
		return nil, invalid("day is required")
	}
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return []DoseLine{}, nil
	}

	lines, err := r.resolvePatient(ctx, patientID, day)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Kind(err))
		r.logger.Warn("resolve failed",
			zap.String("patient_id", patientID),
			zap.Stringer("day", day),
			zap.Error(err))
		return nil, err
	}

	sortLines(lines)
	span.SetAttributes(attribute.Int("lines", len(lines)))
	return lines, nil
}

func (r *Resolver) resolvePatient(ctx context.Context, patientID string, day Day) ([]DoseLine, error) {
	rxs, err := r.prescriptions.ListActivePrescriptions(ctx, patientID, day)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return []DoseLine{}, nil
		}
		return nil, unavailable("list prescriptions", err)
	}

	lines := make([]DoseLine, 0, len(rxs)*len(Slots))
	for _, rx := range rxs {
		// Stores are trusted to filter, but a line outside the range must never exist.
		if !rx.ActiveOn(day) {
			continue
		}
		for _, slot := range uniqueSlots(rx.Slots) {
			lines = append(lines, DoseLine{
				PatientID:      rx.PatientID,
				PatientName:    rx.PatientName,
				PrescriptionID: rx.ID,
				MedicationName: rx.MedicationName,
				Dosage:         rx.Dosage,
				Slot:           slot,
				Day:            day,
				Status:         StatusPending,
			})
		}
	}
	if len(lines) == 0 {
		return lines, nil
	}

	events, err := r.log.ListEvents(ctx, patientID, day)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return lines, nil
		}
		return nil, unavailable("list administrations", err)
	}

	byKey := make(map[Key]AdministrationEvent, len(events))
	for _, e := range events {
		if e.Day != day {
			continue
		}
		k := e.Key()
		if prev, ok := byKey[k]; ok && !e.AdministeredAt.After(prev.AdministeredAt) {
			continue
		}
		byKey[k] = e
	}

	for i := range lines {
		e, ok := byKey[Key{PrescriptionID: lines[i].PrescriptionID, Slot: lines[i].Slot, Day: day}]
		if !ok {
			continue
		}
		lines[i].Status = e.Status
		lines[i].Remarks = e.Remarks
		lines[i].Operator = e.Operator
		if !e.AdministeredAt.IsZero() {
			at := e.AdministeredAt
			lines[i].AdministeredAt = &at
		}
	}
	return lines, nil
}

// WardQuery selects the admitted patients of a nurse for a day.
type WardQuery struct {
	NurseID string
	Day     Day
	// PatientName filters by case-insensitive substring when set.
	PatientName string
}

// ResolveWard resolves every matching patient admitted under the nurse and
// returns the merged lines sorted for display.
func (r *Resolver) ResolveWard(ctx context.Context, q WardQuery) ([]DoseLine, error) {
	ctx, span := r.tracer.Start(ctx, "resolve_ward",
		trace.WithAttributes(
			attribute.String("nurse_id", q.NurseID),
			attribute.String("day", q.Day.String()),
		))
	defer span.End()

	if r.ward == nil {
		return nil, errors.New("resolver has no ward directory")
	}
	if q.Day.IsZero() {
		return nil, invalid("day is required")
	}
	if strings.TrimSpace(q.NurseID) == "" {
		return nil, invalid("nurse id is required")
	}

	patients, err := r.ward.ListAdmittedPatients(ctx, q.NurseID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return []DoseLine{}, nil
		}
		err = unavailable("list admitted patients", err)
		span.RecordError(err)
		return nil, err
	}
	patients = filterByName(patients, q.PatientName)

	results := make([][]DoseLine, len(patients))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, p := range patients {
		g.Go(func() error {
			lines, err := r.resolvePatient(gctx, p.ID, q.Day)
			if err != nil {
				return err
			}
			results[i] = lines
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Kind(err))
		r.logger.Warn("ward resolve failed",
			zap.String("nurse_id", q.NurseID),
			zap.Stringer("day", q.Day),
			zap.Error(err))
		return nil, err
	}

	var merged []DoseLine
	for _, lines := range results {
		merged = append(merged, lines...)
	}
	if merged == nil {
		merged = []DoseLine{}
	}
	sortLines(merged)
	span.SetAttributes(
		attribute.Int("patients", len(patients)),
		attribute.Int("lines", len(merged)),
	)
	return merged, nil
}

func filterByName(patients []Patient, name string) []Patient {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return patients
	}
	out := make([]Patient, 0, len(patients))
	for _, p := range patients {
		if strings.Contains(strings.ToLower(p.Name), name) {
			out = append(out, p)
		}
	}
	return out
}

func uniqueSlots(slots []Slot) []Slot {
	seen := make(map[Slot]bool, len(slots))
	out := make([]Slot, 0, len(slots))
	for _, s := range slots {
		if !s.Valid() || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// sortLines orders by medication name, then patient name, then
// prescription and slot so the order is total.
func sortLines(lines []DoseLine) {
	sort.SliceStable(lines, func(i, j int) bool {
		a, b := lines[i], lines[j]
		if a.MedicationName != b.MedicationName {
			return a.MedicationName < b.MedicationName
		}
		if a.PatientName != b.PatientName {
			return a.PatientName < b.PatientName
		}
		if a.PrescriptionID != b.PrescriptionID {
			return a.PrescriptionID < b.PrescriptionID
		}
		return a.Slot.Order() < b.Slot.Order()
	})
}
