package dosing_test

import (
	"testing"

	"github.com/epis/medadmin/internal/domain/dosing"
)

func TestPivot(t *testing.T) {
	day := dosing.MustDay(2024, 1, 3)
	lines := []dosing.DoseLine{
		{PatientID: "p1", PrescriptionID: "3", MedicationName: "Amoxicillin", Slot: dosing.SlotMorning, Day: day, Status: dosing.StatusGiven},
		{PatientID: "p1", PrescriptionID: "3", MedicationName: "Amoxicillin", Slot: dosing.SlotEvening, Day: day, Status: dosing.StatusPending},
		{PatientID: "p1", PrescriptionID: "1", MedicationName: "Paracetamol", Slot: dosing.SlotMorning, Day: day, Status: dosing.StatusSkipped},
	}

	rows := dosing.Pivot(lines)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].PrescriptionID != "3" || rows[1].PrescriptionID != "1" {
		t.Fatalf("rows out of order: %s, %s", rows[0].PrescriptionID, rows[1].PrescriptionID)
	}
	if st, ok := rows[0].Cell(dosing.SlotMorning); !ok || st != dosing.StatusGiven {
		t.Errorf("rx 3 morning = %s, %v", st, ok)
	}
	if _, ok := rows[0].Cell(dosing.SlotAfternoon); ok {
		t.Error("unprescribed slot must have no cell")
	}
	if st, _ := rows[1].Cell(dosing.SlotMorning); st != dosing.StatusSkipped {
		t.Errorf("rx 1 morning = %s", st)
	}
}

func TestPivot_Empty(t *testing.T) {
	if rows := dosing.Pivot(nil); rows == nil || len(rows) != 0 {
		t.Fatalf("expected empty non-nil rows, got %#v", rows)
	}
}

func TestSummarize(t *testing.T) {
	day := dosing.MustDay(2024, 1, 3)
	lines := []dosing.DoseLine{
		{Status: dosing.StatusGiven},
		{Status: dosing.StatusGiven},
		{Status: dosing.StatusSkipped},
		{Status: dosing.StatusPending},
	}
	s := dosing.Summarize("p1", day, lines)
	if s.Given != 2 || s.Skipped != 1 || s.Pending != 1 || s.Total != 4 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if s.PatientID != "p1" || s.Day != day {
		t.Fatalf("summary keyed wrong: %+v", s)
	}
}
