package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/epis/medadmin/internal/domain/dosing"
	"github.com/epis/medadmin/internal/infrastructure/memory"
	"github.com/epis/medadmin/internal/infrastructure/redpanda"
	"github.com/epis/medadmin/pkg/idempotency"
)

var day = dosing.MustDay(2024, time.January, 3)

type flakySummaries struct {
	*memory.Store
	mu   sync.Mutex
	fail bool
}

func (s *flakySummaries) UpsertSummary(ctx context.Context, sum dosing.Summary) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return fmt.Errorf("upsert: %w", dosing.ErrDataUnavailable)
	}
	return s.Store.UpsertSummary(ctx, sum)
}

func (s *flakySummaries) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

type fixture struct {
	store     *memory.Store
	summaries *flakySummaries
	recorder  *dosing.Recorder
	projector *Projector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	store.AddPatient(dosing.Patient{ID: "p1", Name: "Asha", NurseID: "n1", Admitted: true})
	store.AddPatient(dosing.Patient{ID: "p2", Name: "Ravi", NurseID: "n1", Admitted: true})
	for _, rx := range []dosing.Prescription{
		{ID: "rx1", PatientID: "p1", MedicationName: "Paracetamol", Dosage: "500mg", StartDate: day.AddDays(-1), EndDate: day.AddDays(1), Slots: []dosing.Slot{dosing.SlotMorning, dosing.SlotEvening}},
		{ID: "rx2", PatientID: "p2", MedicationName: "Amoxicillin", Dosage: "250mg", StartDate: day, EndDate: day, Slots: []dosing.Slot{dosing.SlotAfternoon}},
	} {
		if err := store.AddPrescription(rx); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	summaries := &flakySummaries{Store: store}
	resolver := dosing.NewResolver(store, store, nil)
	inboxCfg := idempotency.DefaultInboxConfig()
	inboxCfg.IsTerminal = IsTerminal
	inbox := idempotency.NewInbox(idempotency.NewMemoryStore(), inboxCfg, nil)

	projector, err := New(resolver, summaries, inbox, Config{Workers: 2, MaxRetries: 0}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { projector.Close() })

	return &fixture{
		store:     store,
		summaries: summaries,
		recorder:  dosing.NewRecorder(store, store, dosing.RecorderConfig{}, nil),
		projector: projector,
	}
}

// record stores an administration and returns the message the outbox would publish.
func (f *fixture) record(t *testing.T, rxID string, slot dosing.Slot, status dosing.Status) *redpanda.ConsumedMessage {
	t.Helper()
	ctx := context.Background()
	result, err := f.recorder.Record(ctx, dosing.RecordInput{
		PrescriptionID: rxID,
		Slot:           slot,
		Day:            day,
		Status:         status,
		Operator:       "n1",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	rx, _ := f.store.GetPrescription(ctx, rxID)
	evt, err := dosing.NewAdministrationRecorded(dosing.AdministrationEvent{
		ID:             "adm-" + rxID + "-" + string(slot),
		PrescriptionID: rxID,
		PatientID:      rx.PatientID,
		Slot:           slot,
		Day:            day,
		Status:         status,
		Operator:       "n1",
	}, result)
	if err != nil {
		t.Fatalf("event: %v", err)
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &redpanda.ConsumedMessage{Topic: redpanda.TopicAdministrationEvents, Key: []byte(rx.PatientID), Value: raw}
}

func (f *fixture) summary(t *testing.T, patientID string) (dosing.Summary, bool) {
	t.Helper()
	all, err := f.projector.Summaries(context.Background(), day)
	if err != nil {
		t.Fatalf("summaries: %v", err)
	}
	for _, s := range all {
		if s.PatientID == patientID {
			return s, true
		}
	}
	return dosing.Summary{}, false
}

func TestHandleBatch_ProjectsEachPatientDay(t *testing.T) {
	f := newFixture(t)
	batch := []*redpanda.ConsumedMessage{
		f.record(t, "rx1", dosing.SlotMorning, dosing.StatusGiven),
		f.record(t, "rx1", dosing.SlotEvening, dosing.StatusSkipped),
		f.record(t, "rx2", dosing.SlotAfternoon, dosing.StatusGiven),
	}

	if err := f.projector.HandleBatch(context.Background(), batch); err != nil {
		t.Fatalf("HandleBatch: %v", err)
	}

	p1, ok := f.summary(t, "p1")
	if !ok {
		t.Fatal("no summary for p1")
	}
	if p1.Given != 1 || p1.Skipped != 1 || p1.Pending != 0 || p1.Total != 2 {
		t.Errorf("p1 summary = %+v", p1)
	}
	p2, ok := f.summary(t, "p2")
	if !ok || p2.Given != 1 || p2.Total != 1 {
		t.Errorf("p2 summary = %+v (found %v)", p2, ok)
	}
}

func TestHandleBatch_RedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	batch := []*redpanda.ConsumedMessage{f.record(t, "rx1", dosing.SlotMorning, dosing.StatusGiven)}
	ctx := context.Background()

	if err := f.projector.HandleBatch(ctx, batch); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	// a later edit overwrites the stored summary directly; a redelivered
	// message must not project again
	stale := dosing.Summary{PatientID: "p1", Day: day, Pending: 2, Total: 2}
	if err := f.store.UpsertSummary(ctx, stale); err != nil {
		t.Fatal(err)
	}
	if err := f.projector.HandleBatch(ctx, batch); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if got, _ := f.summary(t, "p1"); got != stale {
		t.Errorf("redelivered message was projected again: %+v", got)
	}
}

func TestHandleBatch_TransientFailureIsRetriedByRedelivery(t *testing.T) {
	f := newFixture(t)
	batch := []*redpanda.ConsumedMessage{f.record(t, "rx1", dosing.SlotMorning, dosing.StatusGiven)}
	ctx := context.Background()

	f.summaries.setFail(true)
	err := f.projector.HandleBatch(ctx, batch)
	if err == nil {
		t.Fatal("expected failure while the store is down")
	}
	if _, ok := f.summary(t, "p1"); ok {
		t.Fatal("summary written despite failure")
	}

	f.summaries.setFail(false)
	if err := f.projector.HandleBatch(ctx, batch); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if got, ok := f.summary(t, "p1"); !ok || got.Given != 1 {
		t.Errorf("summary after recovery = %+v", got)
	}
}

func TestHandleBatch_SkipsMalformed(t *testing.T) {
	f := newFixture(t)
	batch := []*redpanda.ConsumedMessage{
		{Topic: redpanda.TopicAdministrationEvents, Value: []byte("{not json")},
		{Topic: redpanda.TopicAdministrationEvents, Value: []byte(`{"id":"x","event_type":"Other","event_data":{}}`)},
	}
	if err := f.projector.HandleBatch(context.Background(), batch); err != nil {
		t.Fatalf("malformed events must not block the partition: %v", err)
	}
}

func TestProject_UnknownPatient(t *testing.T) {
	f := newFixture(t)
	sum, err := f.projector.Project(context.Background(), "nobody", day)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if sum.Total != 0 {
		t.Errorf("unknown patient summary = %+v", sum)
	}
}

func TestIsTerminal(t *testing.T) {
	if !IsTerminal(fmt.Errorf("x: %w", dosing.ErrInvalidInput)) {
		t.Error("invalid input should be terminal")
	}
	if IsTerminal(errors.New("timeout")) || IsTerminal(dosing.ErrDataUnavailable) {
		t.Error("transient errors should not be terminal")
	}
}
