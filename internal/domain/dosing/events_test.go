package dosing

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestAdministrationRecordedRoundTrip(t *testing.T) {
	at := time.Date(2024, 1, 3, 8, 5, 0, 0, time.UTC)
	e := AdministrationEvent{
		ID: "evt-1", PrescriptionID: "rx1", PatientID: "p1",
		Slot: SlotMorning, Day: MustDay(2024, 1, 3), Status: StatusGiven,
		Operator: "n1", AdministeredAt: at,
	}

	env, err := NewAdministrationRecorded(e, Updated)
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	env.WithCorrelation("req-42")
	if env.AggregateID != "rx1" || env.EventType != EventAdministrationRecorded {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, data, err := DecodeAdministrationRecorded(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CorrelationID != "req-42" || got.Operator != "n1" {
		t.Errorf("envelope fields lost: %+v", got)
	}
	if data.Day != e.Day || data.Slot != SlotMorning || data.Result != Updated || !data.AdministeredAt.Equal(at) {
		t.Errorf("payload mismatch: %+v", data)
	}
}

func TestDecodeAdministrationRecorded_Malformed(t *testing.T) {
	if _, _, err := DecodeAdministrationRecorded([]byte(`{"event_data":`)); err == nil {
		t.Fatal("expected error")
	}
}

func TestCorrelationContext(t *testing.T) {
	if id := CorrelationFromContext(context.Background()); id != "" {
		t.Fatalf("expected empty id, got %q", id)
	}
	ctx := ContextWithCorrelation(context.Background(), "req-1")
	if id := CorrelationFromContext(ctx); id != "req-1" {
		t.Fatalf("got %q", id)
	}
}
