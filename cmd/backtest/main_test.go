package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const casesCSV = `label,timestamp,ctx.asset_class,ctx.product_id,volume.value,self_ratio.ratio
1,2026-03-02T09:30:00Z,equity,AAPL,200,0.1
0,,equity,,50,
true,,fx,,300,0.9
`

func TestReadCases(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		cases, err := readCases(strings.NewReader(casesCSV), 0)
		if err != nil {
			t.Fatalf("readCases failed: %v", err)
		}
		if len(cases) != 3 {
			t.Fatalf("expected 3 cases, got %d", len(cases))
		}

		first := cases[0]
		if !first.Label || first.Row != 2 {
			t.Errorf("unexpected first case %+v", first)
		}
		if first.Request.Timestamp == nil {
			t.Error("expected timestamp on first case")
		}
		if first.Request.Context["product_id"] != "AAPL" {
			t.Errorf("expected product_id AAPL, got %v", first.Request.Context)
		}
		if first.Request.CalculationOutputs["volume"]["value"] != 200 {
			t.Errorf("unexpected outputs %v", first.Request.CalculationOutputs)
		}

		second := cases[1]
		if second.Label {
			t.Error("expected second case labeled quiet")
		}
		if _, ok := second.Request.Context["product_id"]; ok {
			t.Error("empty cells should be omitted from context")
		}
		if _, ok := second.Request.CalculationOutputs["self_ratio"]; ok {
			t.Error("empty cells should be omitted from outputs")
		}
	})

	t.Run("Limit", func(t *testing.T) {
		cases, err := readCases(strings.NewReader(casesCSV), 2)
		if err != nil {
			t.Fatalf("readCases failed: %v", err)
		}
		if len(cases) != 2 {
			t.Errorf("expected 2 cases, got %d", len(cases))
		}
	})

	t.Run("Errors", func(t *testing.T) {
		bad := []string{
			"volume.value\n1\n",
			"label,volume.value\nmaybe,1\n",
			"label,volume.value\n1,lots\n",
			"label,timestamp\n1,yesterday\n",
		}
		for _, in := range bad {
			if _, err := readCases(strings.NewReader(in), 0); err == nil {
				t.Errorf("expected error for %q", in)
			}
		}
	})
}

func TestMetricsRates(t *testing.T) {
	m := &Metrics{}
	m.record(true, &AlertTrace{AlertFired: true, TriggerPath: "all_passed"})
	m.record(true, &AlertTrace{AlertFired: true, TriggerPath: "score_based"})
	m.record(true, &AlertTrace{AlertFired: false})
	m.record(false, &AlertTrace{AlertFired: true, TriggerPath: "score_based"})
	m.record(false, &AlertTrace{AlertFired: false})

	if m.TruePositives != 2 || m.FalseNegatives != 1 || m.FalsePositives != 1 || m.TrueNegatives != 1 {
		t.Fatalf("unexpected matrix %+v", m)
	}
	if m.GateAlerts != 1 || m.ScoreAlerts != 2 {
		t.Errorf("expected 1 gate and 2 score alerts, got %d and %d", m.GateAlerts, m.ScoreAlerts)
	}

	r := m.Rates()
	if r.Precision != 2.0/3.0 || r.Recall != 2.0/3.0 {
		t.Errorf("unexpected rates %+v", r)
	}
	if r.Accuracy != 0.6 {
		t.Errorf("expected accuracy 0.6, got %g", r.Accuracy)
	}
}

func TestRunBacktest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/wash_trade/evaluate" || r.Header.Get("X-Tenant-ID") != "bt" {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		var req EvaluateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fired := req.CalculationOutputs["volume"]["value"] >= 150
		json.NewEncoder(w).Encode(AlertTrace{AlertFired: fired, TriggerPath: "all_passed"})
	}))
	defer server.Close()

	cases, err := readCases(strings.NewReader(casesCSV), 0)
	if err != nil {
		t.Fatalf("readCases failed: %v", err)
	}

	m := runBacktest(cases, server.URL, "bt", "wash_trade", 2, false)
	if m.TotalProcessed != 3 || m.TotalErrors != 0 {
		t.Fatalf("expected 3 processed without errors, got %+v", m)
	}
	if m.TruePositives != 2 || m.TrueNegatives != 1 {
		t.Errorf("unexpected matrix %+v", m)
	}
}
