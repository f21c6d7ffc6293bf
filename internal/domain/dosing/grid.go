package dosing

// GridRow is one prescription of one patient with a cell per slot.
type GridRow struct {
	PatientID      string          `json:"patient_id"`
	PatientName    string          `json:"patient_name"`
	PrescriptionID string          `json:"prescription_id"`
	MedicationName string          `json:"medication_name"`
	Dosage         string          `json:"dosage"`
	Cells          map[Slot]Status `json:"cells"`
}

// Cell returns the status for slot and whether the slot was prescribed.
func (g GridRow) Cell(s Slot) (Status, bool) {
	st, ok := g.Cells[s]
	return st, ok
}

// Pivot folds lines into one row per (patient, prescription). Slots that
// were not prescribed have no cell. Rows keep the order of first appearance.
func Pivot(lines []DoseLine) []GridRow {
	rows := make([]GridRow, 0)
	index := make(map[[2]string]int)
	for _, l := range lines {
		k := [2]string{l.PatientID, l.PrescriptionID}
		i, ok := index[k]
		if !ok {
			i = len(rows)
			index[k] = i
			rows = append(rows, GridRow{
				PatientID:      l.PatientID,
				PatientName:    l.PatientName,
				PrescriptionID: l.PrescriptionID,
				MedicationName: l.MedicationName,
				Dosage:         l.Dosage,
				Cells:          make(map[Slot]Status, len(Slots)),
			})
		}
		rows[i].Cells[l.Slot] = l.Status
	}
	return rows
}

// Summary counts the resolved statuses of a patient's day.
type Summary struct {
	PatientID string `json:"patient_id"`
	Day       Day    `json:"day"`
	Given     int    `json:"given"`
	Skipped   int    `json:"skipped"`
	Pending   int    `json:"pending"`
	Total     int    `json:"total"`
}

// Summarize counts lines by status.
func Summarize(patientID string, day Day, lines []DoseLine) Summary {
	s := Summary{PatientID: patientID, Day: day}
	for _, l := range lines {
		switch l.Status {
		case StatusGiven:
			s.Given++
		case StatusSkipped:
			s.Skipped++
		case StatusPending:
			s.Pending++
		}
		s.Total++
	}
	return s
}
