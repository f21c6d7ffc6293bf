package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/epis/medadmin/internal/api"
	"github.com/epis/medadmin/internal/domain/dosing"
	"github.com/epis/medadmin/internal/infrastructure/memory"
	"github.com/epis/medadmin/internal/observability/metrics"
	"github.com/epis/medadmin/pkg/circuitbreaker"
)

const day = "2024-01-03"

type client struct {
	t      *testing.T
	srv    *httptest.Server
	apiKey string
}

func newClient(t *testing.T, opts api.Options) *client {
	t.Helper()
	srv := httptest.NewServer(api.NewRouter(opts))
	t.Cleanup(srv.Close)
	return &client{t: t, srv: srv}
}

func (c *client) do(method, path, operator string, body any) (*http.Response, []byte) {
	c.t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.srv.URL+path, rdr)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if operator != "" {
		req.Header.Set("X-Operator-ID", operator)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.srv.Client().Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		c.t.Fatalf("read body: %v", err)
	}
	return resp, buf.Bytes()
}

func (c *client) expect(method, path, operator string, body any, want int) []byte {
	c.t.Helper()
	resp, b := c.do(method, path, operator, body)
	if resp.StatusCode != want {
		c.t.Fatalf("%s %s = %d, want %d: %s", method, path, resp.StatusCode, want, b)
	}
	return b
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	return v
}

type dosesResponse struct {
	Day   string            `json:"day"`
	Count int               `json:"count"`
	Lines []dosing.DoseLine `json:"lines"`
	Grid  []dosing.GridRow  `json:"grid"`
}

func seed(c *client) {
	c.t.Helper()
	c.expect(http.MethodPut, "/api/v1/patients/p1", "", map[string]any{
		"name": "Asha Rao", "ward_no": "W2", "nurse_id": "n1", "admitted": true,
	}, http.StatusOK)
	c.expect(http.MethodPut, "/api/v1/patients/p2", "", map[string]any{
		"name": "Ravi Kumar", "ward_no": "W2", "nurse_id": "n1", "admitted": true,
	}, http.StatusOK)
	c.expect(http.MethodPut, "/api/v1/prescriptions/rx1", "", map[string]any{
		"patient_id": "p1", "medication_name": "Paracetamol", "dosage": "500mg",
		"start_date": "2024-01-01", "end_date": "2024-01-05",
		"slots": []string{"Morning", "Evening"}, "prescribed_by": "dr1",
	}, http.StatusOK)
	c.expect(http.MethodPut, "/api/v1/prescriptions/rx2", "", map[string]any{
		"patient_id": "p2", "medication_name": "Amoxicillin", "dosage": "250mg",
		"start_date": day, "end_date": day,
		"slots": []string{"Afternoon"}, "prescribed_by": "dr1",
	}, http.StatusOK)
}

func TestRecordAndResolveFlow(t *testing.T) {
	c := newClient(t, api.Options{})
	seed(c)

	doses := decode[dosesResponse](t, c.expect(http.MethodGet, "/api/v1/patients/p1/doses?day="+day, "", nil, http.StatusOK))
	if doses.Count != 2 || len(doses.Lines) != 2 {
		t.Fatalf("lines = %+v", doses)
	}
	for _, l := range doses.Lines {
		if l.Status != dosing.StatusPending {
			t.Errorf("%s %s = %s, want Pending", l.PrescriptionID, l.Slot, l.Status)
		}
	}

	rec := map[string]any{"prescription_id": "rx1", "slot": "morning", "day": day, "status": "given"}
	c.expect(http.MethodPost, "/api/v1/administrations", "", rec, http.StatusBadRequest)

	res := decode[map[string]any](t, c.expect(http.MethodPost, "/api/v1/administrations", "nurse-7", rec, http.StatusCreated))
	if res["result"] != "inserted" || res["operator"] != "nurse-7" || res["slot"] != "Morning" {
		t.Errorf("record response = %v", res)
	}
	res = decode[map[string]any](t, c.expect(http.MethodPost, "/api/v1/administrations", "nurse-8", rec, http.StatusOK))
	if res["result"] != "updated" {
		t.Errorf("second record result = %v, want updated", res["result"])
	}

	skip := map[string]any{"prescription_id": "rx1", "slot": "Evening", "day": day, "status": "Skipped", "remarks": "refused"}
	c.expect(http.MethodPost, "/api/v1/administrations", "nurse-7", skip, http.StatusCreated)

	doses = decode[dosesResponse](t, c.expect(http.MethodGet, "/api/v1/patients/p1/doses?day="+day, "", nil, http.StatusOK))
	got := map[dosing.Slot]dosing.DoseLine{}
	for _, l := range doses.Lines {
		got[l.Slot] = l
	}
	if l := got[dosing.SlotMorning]; l.Status != dosing.StatusGiven || l.Operator != "nurse-8" || l.AdministeredAt == nil {
		t.Errorf("morning = %+v", l)
	}
	if l := got[dosing.SlotEvening]; l.Status != dosing.StatusSkipped || l.Remarks != "refused" {
		t.Errorf("evening = %+v", l)
	}

	grid := decode[dosesResponse](t, c.expect(http.MethodGet, "/api/v1/patients/p1/doses?view=grid&day="+day, "", nil, http.StatusOK))
	if len(grid.Grid) != 1 || grid.Lines != nil {
		t.Fatalf("grid = %+v", grid)
	}
	if _, ok := grid.Grid[0].Cell(dosing.SlotAfternoon); ok {
		t.Error("afternoon was not prescribed but has a cell")
	}

	sum := decode[dosing.Summary](t, c.expect(http.MethodGet, "/api/v1/patients/p1/summary?day="+day, "", nil, http.StatusOK))
	if sum.Given != 1 || sum.Skipped != 1 || sum.Pending != 0 || sum.Total != 2 {
		t.Errorf("summary = %+v", sum)
	}

	projected := decode[struct {
		Summaries []dosing.Summary `json:"summaries"`
	}](t, c.expect(http.MethodGet, "/api/v1/summaries?day="+day, "", nil, http.StatusOK))
	if len(projected.Summaries) != 1 || projected.Summaries[0].PatientID != "p1" || projected.Summaries[0].Given != 1 {
		t.Errorf("projected summaries = %+v", projected.Summaries)
	}

	ward := decode[dosesResponse](t, c.expect(http.MethodGet, "/api/v1/nurses/n1/doses?day="+day, "", nil, http.StatusOK))
	if ward.Count != 3 {
		t.Errorf("ward lines = %d, want 3", ward.Count)
	}
	ward = decode[dosesResponse](t, c.expect(http.MethodGet, "/api/v1/nurses/n1/doses?patient_name=ravi&day="+day, "", nil, http.StatusOK))
	if ward.Count != 1 || ward.Lines[0].PatientID != "p2" {
		t.Errorf("filtered ward lines = %+v", ward.Lines)
	}

	patients := decode[struct {
		Count int `json:"count"`
	}](t, c.expect(http.MethodGet, "/api/v1/nurses/n1/patients", "", nil, http.StatusOK))
	if patients.Count != 2 {
		t.Errorf("patients = %d, want 2", patients.Count)
	}
}

func TestFHIRExport(t *testing.T) {
	c := newClient(t, api.Options{})
	seed(c)
	c.expect(http.MethodPost, "/api/v1/administrations", "nurse-7",
		map[string]any{"prescription_id": "rx1", "slot": "Morning", "day": day, "status": "Given"}, http.StatusCreated)

	resp, b := c.do(http.MethodGet, "/api/v1/patients/p1/medication-administrations?day="+day, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, b)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/fhir+json" {
		t.Errorf("content type = %q", ct)
	}
	bundle := decode[map[string]any](t, b)
	if bundle["resourceType"] != "Bundle" || bundle["type"] != "searchset" {
		t.Errorf("bundle = %v", bundle)
	}
	if entries, _ := bundle["entry"].([]any); len(entries) != 2 {
		t.Errorf("entries = %d, want 2", len(entries))
	}

	resp, b = c.do(http.MethodGet, "/api/v1/prescriptions/rx1", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("prescription status = %d: %s", resp.StatusCode, b)
	}
	if rt := decode[map[string]any](t, b)["resourceType"]; rt != "MedicationRequest" {
		t.Errorf("resourceType = %v", rt)
	}

	b = c.expect(http.MethodGet, "/api/v1/prescriptions/nope", "", nil, http.StatusNotFound)
	outcome := decode[struct {
		ResourceType string `json:"resourceType"`
		Issue        []struct {
			Code string `json:"code"`
		} `json:"issue"`
	}](t, b)
	if outcome.ResourceType != "OperationOutcome" || len(outcome.Issue) != 1 || outcome.Issue[0].Code != "not-found" {
		t.Errorf("outcome = %s", b)
	}
}

func TestErrorMapping(t *testing.T) {
	c := newClient(t, api.Options{})
	seed(c)

	tests := []struct {
		name     string
		method   string
		path     string
		operator string
		body     any
		want     int
		kind     string
	}{
		{"bad day", http.MethodGet, "/api/v1/patients/p1/doses?day=2024-13-40", "", nil, http.StatusBadRequest, "invalid_input"},
		{"record unknown prescription", http.MethodPost, "/api/v1/administrations", "nurse-7",
			map[string]any{"prescription_id": "nope", "slot": "Morning", "day": day, "status": "Given"},
			http.StatusBadRequest, "invalid_input"},
		{"record unprescribed slot", http.MethodPost, "/api/v1/administrations", "nurse-7",
			map[string]any{"prescription_id": "rx1", "slot": "Afternoon", "day": day, "status": "Given"},
			http.StatusBadRequest, "invalid_input"},
		{"record outside range", http.MethodPost, "/api/v1/administrations", "nurse-7",
			map[string]any{"prescription_id": "rx2", "slot": "Afternoon", "day": "2024-01-04", "status": "Given"},
			http.StatusBadRequest, "invalid_input"},
		{"record unknown status", http.MethodPost, "/api/v1/administrations", "nurse-7",
			map[string]any{"prescription_id": "rx1", "slot": "Morning", "day": day, "status": "Lost"},
			http.StatusBadRequest, "invalid_input"},
		{"record unknown field", http.MethodPost, "/api/v1/administrations", "nurse-7",
			map[string]any{"prescription_id": "rx1", "slot": "Morning", "day": day, "status": "Given", "patient": "p1"},
			http.StatusBadRequest, "invalid_input"},
		{"prescription without slots", http.MethodPut, "/api/v1/prescriptions/rx9", "",
			map[string]any{"patient_id": "p1", "start_date": day, "end_date": day},
			http.StatusBadRequest, "invalid_input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, b := c.do(tt.method, tt.path, tt.operator, tt.body)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d: %s", resp.StatusCode, tt.want, b)
			}
			if kind := decode[map[string]any](t, b)["kind"]; kind != tt.kind {
				t.Errorf("kind = %v, want %s", kind, tt.kind)
			}
		})
	}
}

func TestUnknownPatientResolvesEmpty(t *testing.T) {
	c := newClient(t, api.Options{})
	doses := decode[dosesResponse](t, c.expect(http.MethodGet, "/api/v1/patients/ghost/doses?day="+day, "", nil, http.StatusOK))
	if doses.Count != 0 || doses.Lines == nil {
		t.Errorf("doses = %+v, want empty non-null lines", doses)
	}
}

type downStore struct {
	*memory.Store
}

func (downStore) ListActivePrescriptions(ctx context.Context, patientID string, day dosing.Day) ([]dosing.Prescription, error) {
	return nil, errors.New("connection refused")
}

func TestStoreFailureIsUnavailable(t *testing.T) {
	store := memory.NewStore()
	store.AddPatient(dosing.Patient{ID: "p1", Name: "Asha", NurseID: "n1", Admitted: true})
	c := newClient(t, api.Options{Stores: downStore{store}})

	resp, b := c.do(http.MethodGet, "/api/v1/patients/p1/doses?day="+day, "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d: %s", resp.StatusCode, b)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if strings.Contains(string(b), "connection refused") {
		t.Errorf("store detail leaked: %s", b)
	}
	if kind := decode[map[string]any](t, b)["kind"]; kind != "data_unavailable" {
		t.Errorf("kind = %v", kind)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	c := newClient(t, api.Options{APIKeys: map[string]string{"secret": "ward-tablet"}})

	c.expect(http.MethodGet, "/api/v1/nurses/n1/patients", "", nil, http.StatusUnauthorized)
	c.expect(http.MethodGet, "/health", "", nil, http.StatusOK)

	c.apiKey = "secret"
	c.expect(http.MethodGet, "/api/v1/nurses/n1/patients", "", nil, http.StatusOK)
}

func TestReadiness(t *testing.T) {
	breakers := circuitbreaker.NewManager(nil)
	cb, err := breakers.GetOrCreate("postgres", circuitbreaker.Config{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          time.Minute,
		FailureThreshold: 1,
		MinRequests:      10,
		FailureRatio:     1,
	})
	if err != nil {
		t.Fatalf("breaker: %v", err)
	}

	var dbErr error
	c := newClient(t, api.Options{
		Breakers: breakers,
		Ready:    func(ctx context.Context) error { return dbErr },
	})
	c.expect(http.MethodGet, "/ready", "", nil, http.StatusOK)

	dbErr = errors.New("ping failed")
	c.expect(http.MethodGet, "/ready", "", nil, http.StatusServiceUnavailable)

	dbErr = nil
	_ = cb.Run(context.Background(), func(context.Context) error { return errors.New("boom") })
	body := c.expect(http.MethodGet, "/ready", "", nil, http.StatusServiceUnavailable)
	if !strings.Contains(string(body), "postgres") {
		t.Errorf("breaker state missing: %s", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	c := newClient(t, api.Options{Metrics: m})
	seed(c)
	c.expect(http.MethodGet, "/api/v1/patients/p1/doses?day="+day, "", nil, http.StatusOK)

	body := string(c.expect(http.MethodGet, "/metrics", "", nil, http.StatusOK))
	for _, want := range []string{"http_requests_total", `route="/api/v1/patients/{id}/doses"`} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}
