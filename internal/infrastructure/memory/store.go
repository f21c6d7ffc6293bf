// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/epis/medadmin/internal/domain/dosing"
)

// Store keeps patients, admissions, prescriptions and administrations in
// memory. The upsert runs its lookup and write under one lock.
type Store struct {
	mu            sync.RWMutex
	patients      map[string]dosing.Patient
	prescriptions map[string]dosing.Prescription
	events        map[dosing.Key]dosing.AdministrationEvent
	summaries     map[summaryKey]dosing.Summary
}

type summaryKey struct {
	patientID string
	day       dosing.Day
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		patients:      make(map[string]dosing.Patient),
		prescriptions: make(map[string]dosing.Prescription),
		events:        make(map[dosing.Key]dosing.AdministrationEvent),
		summaries:     make(map[summaryKey]dosing.Summary),
	}
}

// AddPatient registers or replaces a patient.
func (s *Store) AddPatient(p dosing.Patient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[p.ID] = p
}

// AddPrescription registers or replaces a prescription. The patient name is
// filled from the registered patient when missing.
func (s *Store) AddPrescription(rx dosing.Prescription) error {
	if rx.ID == "" || rx.PatientID == "" {
		return fmt.Errorf("%w: prescription and patient id are required", dosing.ErrInvalidInput)
	}
	if rx.EndDate.Before(rx.StartDate) {
		return fmt.Errorf("%w: end date %s before start date %s", dosing.ErrInvalidInput, rx.EndDate, rx.StartDate)
	}
	for _, sl := range rx.Slots {
		if !sl.Valid() {
			return fmt.Errorf("%w: unknown slot %q", dosing.ErrInvalidInput, sl)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rx.PatientName == "" {
		rx.PatientName = s.patients[rx.PatientID].Name
	}
	rx.Slots = append([]dosing.Slot(nil), rx.Slots...)
	s.prescriptions[rx.ID] = rx
	return nil
}

// SavePatient registers a patient; it mirrors the Postgres store.
func (s *Store) SavePatient(ctx context.Context, p dosing.Patient) error {
	if p.ID == "" {
		return fmt.Errorf("%w: patient id is required", dosing.ErrInvalidInput)
	}
	s.AddPatient(p)
	return nil
}

// SavePrescription registers a prescription; it mirrors the Postgres store.
func (s *Store) SavePrescription(ctx context.Context, rx dosing.Prescription) error {
	return s.AddPrescription(rx)
}

func (s *Store) ListActivePrescriptions(ctx context.Context, patientID string, day dosing.Day) ([]dosing.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]dosing.Prescription, 0)
	for _, rx := range s.prescriptions {
		if rx.PatientID == patientID && rx.ActiveOn(day) {
			out = append(out, rx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetPrescription(ctx context.Context, id string) (dosing.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rx, ok := s.prescriptions[id]
	if !ok {
		return dosing.Prescription{}, dosing.ErrNotFound
	}
	return rx, nil
}

func (s *Store) ListEvents(ctx context.Context, patientID string, day dosing.Day) ([]dosing.AdministrationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]dosing.AdministrationEvent, 0)
	for k, e := range s.events {
		if k.Day == day && e.PatientID == patientID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AdministeredAt.Before(out[j].AdministeredAt) })
	return out, nil
}

func (s *Store) UpsertEvent(ctx context.Context, e dosing.AdministrationEvent) (dosing.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.prescriptions[e.PrescriptionID]; !ok {
		return "", dosing.ErrNotFound
	}

	k := e.Key()
	if existing, ok := s.events[k]; ok {
		existing.Status = e.Status
		existing.Remarks = e.Remarks
		existing.Operator = e.Operator
		existing.AdministeredAt = e.AdministeredAt
		existing.RecordedAt = e.RecordedAt
		s.events[k] = existing
		return dosing.Updated, nil
	}
	s.events[k] = e
	return dosing.Inserted, nil
}

// EventCount returns how many administration events are stored.
func (s *Store) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *Store) ListAdmittedPatients(ctx context.Context, nurseID string) ([]dosing.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]dosing.Patient, 0)
	for _, p := range s.patients {
		if p.Admitted && strings.EqualFold(p.NurseID, nurseID) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) UpsertSummary(ctx context.Context, sum dosing.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[summaryKey{sum.PatientID, sum.Day}] = sum
	return nil
}

func (s *Store) ListSummaries(ctx context.Context, day dosing.Day) ([]dosing.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]dosing.Summary, 0)
	for k, sum := range s.summaries {
		if k.day == day {
			out = append(out, sum)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatientID < out[j].PatientID })
	return out, nil
}
