package dosing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names a domain event published through the outbox.
type EventType string

const (
	EventAdministrationRecorded EventType = "AdministrationRecorded"
)

// Event is the envelope of a published domain event.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	Operator      string          `json:"operator,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// AdministrationRecordedData is the payload of EventAdministrationRecorded.
type AdministrationRecordedData struct {
	AdministrationID string       `json:"administration_id"`
	PrescriptionID   string       `json:"prescription_id"`
	PatientID        string       `json:"patient_id"`
	Slot             Slot         `json:"slot"`
	Day              Day          `json:"day"`
	Status           Status       `json:"status"`
	Remarks          string       `json:"remarks,omitempty"`
	Result           UpsertResult `json:"result"`
	AdministeredAt   time.Time    `json:"administered_at"`
}

// NewAdministrationRecorded builds the event announcing that e was stored.
func NewAdministrationRecorded(e AdministrationEvent, result UpsertResult) (*Event, error) {
	data, err := json.Marshal(AdministrationRecordedData{
		AdministrationID: e.ID,
		PrescriptionID:   e.PrescriptionID,
		PatientID:        e.PatientID,
		Slot:             e.Slot,
		Day:              e.Day,
		Status:           e.Status,
		Remarks:          e.Remarks,
		Result:           result,
		AdministeredAt:   e.AdministeredAt,
	})
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   e.PrescriptionID,
		AggregateType: "MedicineAdministration",
		EventType:     EventAdministrationRecorded,
		EventData:     data,
		Timestamp:     time.Now().UTC(),
		Operator:      e.Operator,
	}, nil
}

// WithCorrelation sets the correlation id, usually the HTTP request id.
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}

// DecodeAdministrationRecorded unpacks the payload of an
// EventAdministrationRecorded envelope.
func DecodeAdministrationRecorded(raw []byte) (*Event, *AdministrationRecordedData, error) {
	var env Event
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, err
	}
	var data AdministrationRecordedData
	if err := json.Unmarshal(env.EventData, &data); err != nil {
		return nil, nil, err
	}
	return &env, &data, nil
}

type correlationKey struct{}

// ContextWithCorrelation attaches a correlation id carried into published events.
func ContextWithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationFromContext returns the id set by ContextWithCorrelation.
func CorrelationFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
