// Backtest replays labeled surveillance cases against a running surveil server.
//
// Usage:
//
//	go run ./cmd/backtest -csv cases.csv -model wash_trade -url http://localhost:8080
//
// The CSV header names the columns:
//
//	label              1/0 or true/false: whether the case is a true alert
//	timestamp          optional RFC3339 event time
//	ctx.<key>          context entries, e.g. ctx.asset_class
//	<calc_id>.<field>  numeric calculation outputs, e.g. volume.value
//
// This tool:
//  1. Sends each case to POST /models/{id}/evaluate
//  2. Compares alert_fired with the label
//  3. Reports precision, recall, F1, the trigger-path split and latency
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Case is one labeled row of the input file.
type Case struct {
	Row     int
	Label   bool
	Request EvaluateRequest
}

// EvaluateRequest is the surveil model evaluation request.
type EvaluateRequest struct {
	Context            map[string]string             `json:"context"`
	CalculationOutputs map[string]map[string]float64 `json:"calculation_outputs"`
	Timestamp          *time.Time                    `json:"timestamp,omitempty"`
}

// AlertTrace is the subset of the evaluation response the backtest reads.
type AlertTrace struct {
	AlertID          string  `json:"alert_id"`
	AlertFired       bool    `json:"alert_fired"`
	TriggerPath      string  `json:"trigger_path"`
	AccumulatedScore int     `json:"accumulated_score"`
	ScoreThreshold   float64 `json:"score_threshold"`
}

// Metrics tracks backtest results
type Metrics struct {
	TruePositives  int64 // labeled alert, fired
	FalsePositives int64 // labeled quiet, fired
	TrueNegatives  int64 // labeled quiet, not fired
	FalseNegatives int64 // labeled alert, not fired (missed)

	GateAlerts  int64
	ScoreAlerts int64

	TotalProcessed int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to the labeled cases CSV")
	baseURL := flag.String("url", "http://localhost:8080", "surveil base URL")
	tenantID := flag.String("tenant", "backtest", "Tenant ID for requests")
	modelID := flag.String("model", "", "Detection model to evaluate")
	limit := flag.Int("limit", 0, "Maximum cases to replay (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each case result")
	flag.Parse()

	if *csvPath == "" || *modelID == "" {
		fmt.Println("Usage: backtest -csv cases.csv -model <model_id> [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("+---------------------------------------------------------------+")
	fmt.Println("|               SURVEIL BACKTEST - labeled replay               |")
	fmt.Println("+---------------------------------------------------------------+")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Server URL:  %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Model ID:    %s\n", *modelID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: surveil not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure surveil is running:")
		fmt.Println("  go run ./cmd/surveil serve")
		os.Exit(1)
	}
	fmt.Println("✓ surveil is healthy")

	file, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: Failed to open CSV: %v\n", err)
		os.Exit(1)
	}
	cases, err := readCases(file, *limit)
	file.Close()
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	if len(cases) == 0 {
		fmt.Println("ERROR: no cases in file")
		os.Exit(1)
	}

	positives := 0
	for _, c := range cases {
		if c.Label {
			positives++
		}
	}
	fmt.Printf("✓ Loaded %d cases\n", len(cases))
	fmt.Printf("  - Labeled alert: %d (%.2f%%)\n", positives, 100*float64(positives)/float64(len(cases)))
	fmt.Printf("  - Labeled quiet: %d\n", len(cases)-positives)

	fmt.Printf("\nReplaying with %d workers...\n", *workers)
	startTime := time.Now()
	m := runBacktest(cases, *baseURL, *tenantID, *modelID, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(m, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readCases parses labeled cases. Rows with unparseable cells are rejected
// with their row number rather than silently skipped.
func readCases(r io.Reader, limit int) ([]Case, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	labelCol, tsCol := -1, -1
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "label":
			labelCol = i
		case "timestamp":
			tsCol = i
		}
	}
	if labelCol < 0 {
		return nil, errors.New("header has no label column")
	}

	var cases []Case
	for row := 2; ; row++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}

		c := Case{
			Row: row,
			Request: EvaluateRequest{
				Context:            map[string]string{},
				CalculationOutputs: map[string]map[string]float64{},
			},
		}

		c.Label, err = parseLabel(record[labelCol])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}

		for i, col := range header {
			cell := strings.TrimSpace(record[i])
			if i == labelCol || cell == "" {
				continue
			}
			if i == tsCol {
				ts, err := time.Parse(time.RFC3339, cell)
				if err != nil {
					return nil, fmt.Errorf("row %d: invalid timestamp %q", row, cell)
				}
				c.Request.Timestamp = &ts
				continue
			}

			if key, ok := strings.CutPrefix(col, "ctx."); ok {
				c.Request.Context[key] = cell
				continue
			}

			calcID, field, ok := strings.Cut(col, ".")
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("row %d: column %s: %w", row, col, err)
			}
			if c.Request.CalculationOutputs[calcID] == nil {
				c.Request.CalculationOutputs[calcID] = map[string]float64{}
			}
			c.Request.CalculationOutputs[calcID][field] = v
		}

		cases = append(cases, c)
		if limit > 0 && len(cases) >= limit {
			break
		}
	}

	return cases, nil
}

func parseLabel(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "alert":
		return true, nil
	case "0", "false", "no", "quiet", "":
		return false, nil
	}
	return false, fmt.Errorf("invalid label %q", s)
}

// record folds one outcome into the confusion matrix.
func (m *Metrics) record(label bool, trace *AlertTrace) {
	predicted := trace.AlertFired

	switch {
	case predicted && label:
		atomic.AddInt64(&m.TruePositives, 1)
	case predicted && !label:
		atomic.AddInt64(&m.FalsePositives, 1)
	case !predicted && !label:
		atomic.AddInt64(&m.TrueNegatives, 1)
	default:
		atomic.AddInt64(&m.FalseNegatives, 1)
	}

	if predicted {
		if trace.TriggerPath == "all_passed" {
			atomic.AddInt64(&m.GateAlerts, 1)
		} else {
			atomic.AddInt64(&m.ScoreAlerts, 1)
		}
	}
}

func runBacktest(cases []Case, baseURL, tenantID, modelID string, numWorkers int, verbose bool) *Metrics {
	m := &Metrics{}

	work := make(chan Case, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for c := range work {
				start := time.Now()
				trace, err := evaluateCase(client, baseURL, tenantID, modelID, c)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&m.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&m.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&m.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: row %d -> %v\n", c.Row, err)
					}
					continue
				}

				m.record(c.Label, trace)

				if verbose {
					status := "✓"
					if trace.AlertFired != c.Label {
						status = "✗"
					}
					fmt.Printf("%s row %-6d | label: %-5v | fired: %-5v | path: %-11s | score: %d/%g\n",
						status, c.Row, c.Label, trace.AlertFired, trace.TriggerPath,
						trace.AccumulatedScore, trace.ScoreThreshold)
				}
			}
		}()
	}

	for _, c := range cases {
		work <- c
	}
	close(work)

	wg.Wait()

	return m
}

func evaluateCase(client *http.Client, baseURL, tenantID, modelID string, c Case) (*AlertTrace, error) {
	body, err := json.Marshal(c.Request)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/models/"+modelID+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var trace AlertTrace
	if err := json.NewDecoder(resp.Body).Decode(&trace); err != nil {
		return nil, err
	}
	return &trace, nil
}

// Rates derived from the confusion matrix.
type Rates struct {
	Precision float64
	Recall    float64
	F1        float64
	Accuracy  float64
}

func (m *Metrics) Rates() Rates {
	var r Rates
	if m.TruePositives+m.FalsePositives > 0 {
		r.Precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	if m.TruePositives+m.FalseNegatives > 0 {
		r.Recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	if r.Precision+r.Recall > 0 {
		r.F1 = 2 * (r.Precision * r.Recall) / (r.Precision + r.Recall)
	}
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		r.Accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}
	return r
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n+---------------------------------------------------------------+")
	fmt.Println("|                       BACKTEST RESULTS                        |")
	fmt.Println("+---------------------------------------------------------------+")

	fmt.Printf("\nCASES\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                        Fired")
	fmt.Println("                    yes         no")
	fmt.Println("              +----------+----------+")
	fmt.Printf("   Label   A  | %8d | %8d |  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              +----------+----------+")
	fmt.Printf("           Q  | %8d | %8d |  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              +----------+----------+")

	r := m.Rates()
	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f\n", r.Precision)
	fmt.Printf("   Recall:     %.4f\n", r.Recall)
	fmt.Printf("   F1-Score:   %.4f\n", r.F1)
	fmt.Printf("   Accuracy:   %.4f\n", r.Accuracy)

	fmt.Printf("\nTRIGGER PATHS\n")
	fmt.Printf("   all_passed:   %d\n", m.GateAlerts)
	fmt.Printf("   score_based:  %d\n", m.ScoreAlerts)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f cases/sec\n", tps)
	}

	fmt.Println()
}
