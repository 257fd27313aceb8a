package scamscope

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestServer(t *testing.T) (*httptest.Server, *Service) {
	t.Helper()
	svc, _, _ := newTestService(t)
	ts := httptest.NewServer(svc.Routes(nil))
	t.Cleanup(ts.Close)
	return ts, svc
}

func getJSON(t *testing.T, ts *httptest.Server, path string, out any) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("GET %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatal(err)
	}
}

func postJSON(t *testing.T, ts *httptest.Server, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)

	var body map[string]any
	getJSON(t, ts, "/healthz", &body)
	if body["status"] != "ok" || body["embedder"] != true {
		t.Fatalf("healthz = %v", body)
	}
}

func TestClassifyEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts, "/api/classify", `{"query":"cra my account login"}`)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		IsLegitimate    bool   `json:"isLegitimate"`
		NearestCategory string `json:"nearestCategory"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if !body.IsLegitimate || body.NearestCategory != "generalInquiry" {
		t.Fatalf("classify = %+v", body)
	}

	// Missing query is a client error.
	if resp := postJSON(t, ts, "/api/classify", `{}`); resp.StatusCode != 400 {
		t.Fatalf("empty body status = %d", resp.StatusCode)
	}
}

func TestClassifyBatchEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts, "/api/classify",
		`{"queries":["cra my account login","cra gift card payment $500 urgent"]}`)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var results []struct {
		Query        string `json:"query"`
		IsLegitimate bool   `json:"isLegitimate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	if !results[0].IsLegitimate || results[1].IsLegitimate {
		t.Fatalf("batch = %+v", results)
	}
}

func TestThreatsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	var body struct {
		Threats []struct {
			Query     string `json:"query"`
			RiskLevel string `json:"riskLevel"`
		} `json:"threats"`
		Summary struct {
			Total int `json:"total"`
		} `json:"summary"`
	}
	getJSON(t, ts, "/api/threats?days=7&page=1", &body)
	if body.Summary.Total != 1 || len(body.Threats) != 1 {
		t.Fatalf("threats = %+v", body)
	}
	if body.Threats[0].Query != "cra gift card payment $500 urgent" {
		t.Fatalf("threat query = %q", body.Threats[0].Query)
	}
}

func TestConvergenceEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts, "/api/convergence", `{
		"current": {"query":"cra gift card payment $500 urgent","impressions":300,"clicks":3,"ctr":0.01,"position":2},
		"periodDays": 7
	}`)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		ShouldFlag bool `json:"shouldFlag"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if !body.ShouldFlag {
		t.Fatalf("convergence = %+v", body)
	}
}

func TestAdminSeedPhraseLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts, "/api/admin/seed-phrases",
		`{"text":"cra bitcoin refund","category":"payment_scam","severity":"high"}`)
	if resp.StatusCode != 201 {
		t.Fatalf("add status = %d", resp.StatusCode)
	}

	var phrases []struct {
		Text string `json:"text"`
	}
	getJSON(t, ts, "/api/admin/seed-phrases", &phrases)
	if len(phrases) != 2 {
		t.Fatalf("phrase count = %d", len(phrases))
	}

	req, _ := http.NewRequest(http.MethodDelete,
		ts.URL+"/api/admin/seed-phrases?text=cra+bitcoin+refund", nil)
	del, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	del.Body.Close()
	if del.StatusCode != 200 {
		t.Fatalf("delete status = %d", del.StatusCode)
	}

	phrases = nil
	getJSON(t, ts, "/api/admin/seed-phrases", &phrases)
	if len(phrases) != 1 {
		t.Fatalf("phrase count after delete = %d", len(phrases))
	}
}

func TestAdminOverridePut(t *testing.T) {
	ts, svc := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/admin/overrides",
		strings.NewReader(`{"name":"zone_threshold","value":0.9}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	stats := svc.Stats(req.Context())
	if got := stats["zone_threshold"].(float64); got != 0.9 {
		t.Fatalf("zone threshold = %v", got)
	}
}

func TestAdminAnalyticsImport(t *testing.T) {
	ts, _ := newTestServer(t)

	// One malformed date must not reject the rest of the batch: the bad
	// row is skipped and reported, the good row lands.
	resp := postJSON(t, ts, "/api/admin/analytics/import", `{"rows":[
		{"date":"2026-08-23","query":"cra text message refund e-transfer","impressions":120,"clicks":2,"position":3},
		{"date":"23/08/2026","query":"cra phone scam callback","impressions":40,"clicks":1,"position":5}
	]}`)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["imported"] != 1 || body["skipped"] != 1 {
		t.Fatalf("imported = %d, skipped = %d", body["imported"], body["skipped"])
	}
}

func TestRequestIDHeaderOnAPI(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("X-Request-ID missing")
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers missing")
	}
}
