// Package integration runs the ward stores against a real Postgres.
// Set TEST_DATABASE_URL to enable it.
package integration

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/epis/medadmin/internal/domain/dosing"
	"github.com/epis/medadmin/internal/infrastructure/postgres"
	"github.com/epis/medadmin/internal/infrastructure/redpanda"
	"github.com/epis/medadmin/internal/projection"
	"github.com/epis/medadmin/pkg/idempotency"
)

var day = dosing.MustDay(2024, time.January, 3)

func connect(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := postgres.Connect(ctx, postgres.DefaultPoolConfig(url), nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := postgres.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

type ward struct {
	store     *postgres.Store
	patientID string
	nurseID   string
	rxID      string
}

func seedWard(t *testing.T, pool *pgxpool.Pool) *ward {
	t.Helper()
	ctx := context.Background()
	store, err := postgres.NewStore(pool, postgres.DefaultStoreConfig(), nil, nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	suffix := uuid.NewString()[:8]
	w := &ward{store: store, patientID: "p-" + suffix, nurseID: "n-" + suffix, rxID: "rx-" + suffix}

	if err := store.SavePatient(ctx, dosing.Patient{ID: w.patientID, Name: "Asha " + suffix, WardNo: "W2", NurseID: w.nurseID, Admitted: true}); err != nil {
		t.Fatalf("save patient: %v", err)
	}
	if err := store.SavePrescription(ctx, dosing.Prescription{
		ID:             w.rxID,
		PatientID:      w.patientID,
		MedicationName: "Paracetamol",
		Dosage:         "500mg",
		StartDate:      day.AddDays(-1),
		EndDate:        day.AddDays(1),
		Slots:          []dosing.Slot{dosing.SlotMorning, dosing.SlotEvening},
		PrescribedBy:   "dr1",
	}); err != nil {
		t.Fatalf("save prescription: %v", err)
	}
	return w
}

func TestRecordUpsertsSingleEvent(t *testing.T) {
	pool := connect(t)
	w := seedWard(t, pool)
	ctx := context.Background()

	resolver := dosing.NewResolver(w.store, w.store, nil, dosing.WithWardDirectory(w.store))
	recorder := dosing.NewRecorder(w.store, w.store, dosing.RecorderConfig{Location: time.UTC}, nil)

	lines, err := resolver.Resolve(ctx, w.patientID, day)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}

	in := dosing.RecordInput{PrescriptionID: w.rxID, Slot: dosing.SlotMorning, Day: day, Status: dosing.StatusGiven, Operator: "nurse-7"}
	for i, want := range []dosing.UpsertResult{dosing.Inserted, dosing.Updated} {
		if i == 1 {
			in.Status = dosing.StatusSkipped
			in.Remarks = "asleep"
		}
		got, err := recorder.Record(ctx, in)
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if got != want {
			t.Errorf("record %d = %s, want %s", i, got, want)
		}
	}

	events, err := w.store.ListEvents(ctx, w.patientID, day)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Status != dosing.StatusSkipped || events[0].Remarks != "asleep" {
		t.Errorf("event = %+v", events[0])
	}

	ward, err := resolver.ResolveWard(ctx, dosing.WardQuery{NurseID: w.nurseID, Day: day})
	if err != nil {
		t.Fatalf("resolve ward: %v", err)
	}
	if len(ward) != 2 {
		t.Errorf("ward lines = %d, want 2", len(ward))
	}
}

func TestConcurrentRecordsConverge(t *testing.T) {
	pool := connect(t)
	w := seedWard(t, pool)
	ctx := context.Background()
	recorder := dosing.NewRecorder(w.store, w.store, dosing.RecorderConfig{Location: time.UTC}, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := recorder.Record(ctx, dosing.RecordInput{
				PrescriptionID: w.rxID, Slot: dosing.SlotEvening, Day: day,
				Status: dosing.StatusGiven, Operator: "nurse-7",
			})
			if err != nil && !errors.Is(err, dosing.ErrConflictingWrite) {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("record: %v", err)
	}

	events, err := w.store.ListEvents(ctx, w.patientID, day)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("events = %d, want 1", len(events))
	}
}

// capture collects published records for one key.
type capture struct {
	mu   sync.Mutex
	key  string
	msgs []*redpanda.ConsumedMessage
}

func (c *capture) Publish(ctx context.Context, topic, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key == c.key {
		c.msgs = append(c.msgs, &redpanda.ConsumedMessage{
			Topic:  topic,
			Offset: int64(len(c.msgs)),
			Key:    []byte(key),
			Value:  value,
		})
	}
	return nil
}

func TestOutboxToSummary(t *testing.T) {
	pool := connect(t)
	w := seedWard(t, pool)
	ctx := context.Background()

	resolver := dosing.NewResolver(w.store, w.store, nil)
	recorder := dosing.NewRecorder(w.store, w.store, dosing.RecorderConfig{Location: time.UTC}, nil)
	for _, in := range []dosing.RecordInput{
		{PrescriptionID: w.rxID, Slot: dosing.SlotMorning, Day: day, Status: dosing.StatusGiven, Operator: "nurse-7"},
		{PrescriptionID: w.rxID, Slot: dosing.SlotEvening, Day: day, Status: dosing.StatusSkipped, Operator: "nurse-7"},
	} {
		if _, err := recorder.Record(ctx, in); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	sink := &capture{key: w.patientID}
	outbox := postgres.NewOutbox(pool, sink, postgres.DefaultOutboxConfig(), nil)
	for i := 0; i < 20; i++ {
		n, err := outbox.RunOnce(ctx)
		if err != nil {
			t.Fatalf("outbox: %v", err)
		}
		if n == 0 {
			break
		}
	}
	if len(sink.msgs) != 2 {
		t.Fatalf("published = %d, want 2", len(sink.msgs))
	}

	inboxCfg := idempotency.DefaultInboxConfig()
	inboxCfg.IsTerminal = projection.IsTerminal
	inbox := idempotency.NewInbox(idempotency.NewPostgresStore(pool), inboxCfg, nil)
	projector, err := projection.New(resolver, w.store, inbox, projection.DefaultConfig(), nil, nil)
	if err != nil {
		t.Fatalf("projector: %v", err)
	}
	defer projector.Close()

	// Delivered twice, as after a consumer restart.
	for i := 0; i < 2; i++ {
		if err := projector.HandleBatch(ctx, sink.msgs); err != nil {
			t.Fatalf("handle batch %d: %v", i, err)
		}
	}

	sums, err := w.store.ListSummaries(ctx, day)
	if err != nil {
		t.Fatalf("list summaries: %v", err)
	}
	var found bool
	for _, s := range sums {
		if s.PatientID != w.patientID {
			continue
		}
		found = true
		if s.Given != 1 || s.Skipped != 1 || s.Pending != 0 || s.Total != 2 {
			t.Errorf("summary = %+v", s)
		}
	}
	if !found {
		t.Error("summary not projected")
	}
}

func TestDeadLetterSweepHonoursRelayLock(t *testing.T) {
	pool := connect(t)
	w := seedWard(t, pool)
	ctx := context.Background()

	recorder := dosing.NewRecorder(w.store, w.store, dosing.RecorderConfig{Location: time.UTC}, nil)
	if _, err := recorder.Record(ctx, dosing.RecordInput{
		PrescriptionID: w.rxID, Slot: dosing.SlotMorning, Day: day,
		Status: dosing.StatusGiven, Operator: "nurse-7",
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	cfg := postgres.DefaultOutboxConfig()
	if _, err := pool.Exec(ctx,
		"UPDATE outbox SET retry_count = $1 WHERE kafka_key = $2 AND processed_at IS NULL",
		cfg.MaxRetries, w.patientID); err != nil {
		t.Fatalf("exhaust retries: %v", err)
	}

	// Another relay holds the lock.
	holder, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := holder.Exec(ctx, "SELECT pg_advisory_lock($1)", cfg.LockID); err != nil {
		holder.Release()
		t.Fatalf("lock: %v", err)
	}

	sink := &capture{key: w.patientID}
	outbox := postgres.NewOutbox(pool, sink, cfg, nil)
	if _, err := outbox.MoveToDeadLetter(ctx); err != nil {
		t.Fatalf("sweep while locked: %v", err)
	}
	if len(sink.msgs) != 0 {
		t.Fatalf("published while locked = %d, want 0", len(sink.msgs))
	}

	if _, err := holder.Exec(ctx, "SELECT pg_advisory_unlock($1)", cfg.LockID); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	holder.Release()

	for i := 0; i < 2; i++ {
		if _, err := outbox.MoveToDeadLetter(ctx); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}
	if len(sink.msgs) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(sink.msgs))
	}
	if sink.msgs[0].Topic != cfg.DeadLetterTopic {
		t.Errorf("topic = %s, want %s", sink.msgs[0].Topic, cfg.DeadLetterTopic)
	}
}
