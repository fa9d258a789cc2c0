// Benchmark tool for measuring shiftwatch against labelled shift data.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/shifts.csv -url http://localhost:8080
//	go run ./cmd/benchmark -synthetic 500
//
// This tool:
//  1. Reads labelled shifts (or generates a synthetic fleet)
//  2. Replays each shift through the API: start, rides, finish, analyze
//  3. Compares the resulting risk level with the fraud label
//  4. Calculates precision, recall, F1-score and the confusion matrix
//
// CSV columns: driver_id, vehicle_id, start_time (RFC 3339), hours,
// km_start, km_end, rides (semicolon separated values), is_fraud (0/1).
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LabelledShift is one replayable shift with its ground truth.
type LabelledShift struct {
	DriverID  string
	VehicleID string
	StartTime time.Time
	Hours     float64
	KmStart   float64
	KmEnd     float64
	Rides     []float64
	IsFraud   bool
}

type startRequest struct {
	DriverID  string    `json:"driverId"`
	VehicleID string    `json:"vehicleId"`
	KmStart   float64   `json:"kmStart"`
	StartTime time.Time `json:"startTime"`
}

type rideRequest struct {
	Channel   string    `json:"channel"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

type finishRequest struct {
	KmEnd   float64   `json:"kmEnd"`
	EndTime time.Time `json:"endTime"`
}

// AnalyzeResponse is the part of the analyze response the benchmark reads.
type AnalyzeResponse struct {
	Analysis struct {
		Score struct {
			Total float64 `json:"total"`
			Level string  `json:"level"`
		} `json:"score"`
	} `json:"analysis"`
	TotalMs int64 `json:"totalMs"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Fraud flagged
	FalsePositives int64 // Clean shift flagged
	TrueNegatives  int64 // Clean shift not flagged
	FalseNegatives int64 // Fraud not flagged

	TotalProcessed int64
	TotalFraud     int64
	TotalClean     int64
	TotalErrors    int64

	ProcessingTimeMs int64
	AnalysisTimeMs   int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to labelled shift CSV")
	synthetic := flag.Int("synthetic", 0, "Generate this many synthetic shifts instead of reading a CSV")
	fraudRate := flag.Float64("fraud-rate", 0.1, "Share of synthetic shifts that are fraudulent")
	baseURL := flag.String("url", "http://localhost:8080", "shiftwatch base URL")
	actor := flag.String("actor", "benchmark", "Actor ID sent with every request")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	minLevel := flag.String("min-level", "high", "Lowest risk level counted as flagged (low, medium, high, critical)")
	verbose := flag.Bool("verbose", false, "Print each shift result")
	flag.Parse()

	if *csvPath == "" && *synthetic <= 0 {
		fmt.Println("Usage: benchmark -csv /path/to/shifts.csv | -synthetic N [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}
	threshold, ok := levelRank[*minLevel]
	if !ok {
		fmt.Printf("ERROR: unknown risk level %q\n", *minLevel)
		os.Exit(1)
	}

	fmt.Println("==============================================================")
	fmt.Println("        SHIFTWATCH BENCHMARK - Shift Fraud Detection")
	fmt.Println("==============================================================")
	fmt.Printf("\nURL:        %s\n", *baseURL)
	fmt.Printf("Workers:    %d\n", *workers)
	fmt.Printf("Min Level:  %s\n", *minLevel)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: shiftwatch not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure shiftwatch is running:")
		fmt.Println("  go run ./cmd/shiftwatch")
		os.Exit(1)
	}
	fmt.Println("shiftwatch is healthy")

	var shifts []LabelledShift
	if *csvPath != "" {
		var err error
		shifts, err = readShiftCSV(*csvPath)
		if err != nil {
			fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Loaded %d shifts from %s\n", len(shifts), *csvPath)
	} else {
		shifts = generateShifts(*synthetic, *fraudRate)
		fmt.Printf("Generated %d synthetic shifts\n", len(shifts))
	}

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(shifts, *baseURL, *actor, *workers, threshold, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

var levelRank = map[string]int{"low": 0, "medium": 1, "high": 2, "critical": 3}

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

func readShiftCSV(path string) ([]LabelledShift, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int)
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"driver_id", "vehicle_id", "start_time", "hours", "km_start", "km_end", "rides", "is_fraud"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	var shifts []LabelledShift
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		start, err := time.Parse(time.RFC3339, record[col["start_time"]])
		if err != nil {
			continue
		}
		hours, _ := strconv.ParseFloat(record[col["hours"]], 64)
		kmStart, _ := strconv.ParseFloat(record[col["km_start"]], 64)
		kmEnd, _ := strconv.ParseFloat(record[col["km_end"]], 64)

		var rides []float64
		for _, v := range strings.Split(record[col["rides"]], ";") {
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f > 0 {
				rides = append(rides, f)
			}
		}

		shifts = append(shifts, LabelledShift{
			DriverID:  record[col["driver_id"]],
			VehicleID: record[col["vehicle_id"]],
			StartTime: start,
			Hours:     hours,
			KmStart:   kmStart,
			KmEnd:     kmEnd,
			Rides:     rides,
			IsFraud:   record[col["is_fraud"]] == "1",
		})
	}
	return shifts, nil
}

// generateShifts builds one shift per synthetic driver. Fraudulent shifts
// either report revenue with a frozen odometer or repeat the same fare.
func generateShifts(n int, fraudRate float64) []LabelledShift {
	base := time.Now().UTC().Add(-24 * time.Hour).Truncate(time.Hour)
	shifts := make([]LabelledShift, 0, n)
	for i := 0; i < n; i++ {
		s := LabelledShift{
			DriverID:  fmt.Sprintf("bench-driver-%05d", i),
			VehicleID: fmt.Sprintf("bench-car-%05d", i),
			StartTime: base.Add(time.Duration(rand.IntN(8)) * time.Hour),
			Hours:     8 + rand.Float64()*2,
			KmStart:   float64(10000 + rand.IntN(90000)),
		}
		rideCount := 12 + rand.IntN(10)
		for j := 0; j < rideCount; j++ {
			s.Rides = append(s.Rides, float64(15+rand.IntN(30))+float64(rand.IntN(100))/100)
		}
		s.KmEnd = s.KmStart + 120 + rand.Float64()*80

		if rand.Float64() < fraudRate {
			s.IsFraud = true
			if i%2 == 0 {
				s.KmEnd = s.KmStart
			} else {
				for j := range s.Rides {
					s.Rides[j] = 25
				}
			}
		}
		shifts = append(shifts, s)
	}
	return shifts
}

func runBenchmark(shifts []LabelledShift, baseURL, actor string, numWorkers, threshold int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan LabelledShift, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := &client{http: &http.Client{Timeout: 30 * time.Second}, baseURL: baseURL, actor: actor}

			for s := range work {
				start := time.Now()
				result, err := c.replay(s)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", s.DriverID, err)
					}
					continue
				}
				atomic.AddInt64(&metrics.AnalysisTimeMs, result.TotalMs)

				if s.IsFraud {
					atomic.AddInt64(&metrics.TotalFraud, 1)
				} else {
					atomic.AddInt64(&metrics.TotalClean, 1)
				}

				predicted := levelRank[result.Analysis.Score.Level] >= threshold
				actual := s.IsFraud

				switch {
				case predicted && actual:
					atomic.AddInt64(&metrics.TruePositives, 1)
				case predicted && !actual:
					atomic.AddInt64(&metrics.FalsePositives, 1)
				case !predicted && !actual:
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				default:
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					mark := "ok  "
					if predicted != actual {
						mark = "MISS"
					}
					fmt.Printf("%s %-18s | km: %7.1f | rides: %3d | fraud: %-5v | level: %-8s (%.0f)\n",
						mark,
						s.DriverID,
						s.KmEnd-s.KmStart,
						len(s.Rides),
						s.IsFraud,
						result.Analysis.Score.Level,
						result.Analysis.Score.Total,
					)
				}
			}
		}()
	}

	for _, s := range shifts {
		work <- s
	}
	close(work)

	wg.Wait()
	return metrics
}

type client struct {
	http    *http.Client
	baseURL string
	actor   string
}

// replay drives one shift through the API and returns the analysis.
func (c *client) replay(s LabelledShift) (*AnalyzeResponse, error) {
	var shift struct {
		ID string `json:"id"`
	}
	err := c.post("/shifts", startRequest{
		DriverID:  s.DriverID,
		VehicleID: s.VehicleID,
		KmStart:   s.KmStart,
		StartTime: s.StartTime,
	}, http.StatusCreated, &shift)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	duration := time.Duration(s.Hours * float64(time.Hour))
	step := duration / time.Duration(len(s.Rides)+1)
	for i, v := range s.Rides {
		channel := "app"
		if i%4 == 3 {
			channel = "private"
		}
		ride := rideRequest{Channel: channel, Value: v, Timestamp: s.StartTime.Add(step * time.Duration(i+1))}
		if err := c.post("/shifts/"+shift.ID+"/rides", ride, http.StatusCreated, nil); err != nil {
			return nil, fmt.Errorf("ride %d: %w", i, err)
		}
	}

	finish := finishRequest{KmEnd: s.KmEnd, EndTime: s.StartTime.Add(duration)}
	if err := c.post("/shifts/"+shift.ID+"/finish", finish, http.StatusOK, nil); err != nil {
		return nil, fmt.Errorf("finish: %w", err)
	}

	var result AnalyzeResponse
	if err := c.post("/shifts/"+shift.ID+"/analyze", nil, http.StatusOK, &result); err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}
	return &result, nil
}

func (c *client) post(path string, body any, want int, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-ID", c.actor)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n==============================================================")
	fmt.Println("                      BENCHMARK RESULTS")
	fmt.Println("==============================================================")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Clean:      %d\n", m.TotalClean)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                  FLAGGED     CLEAN")
	fmt.Printf("   Actual  F   | %8d | %8d |  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("           C   | %8d | %8d |  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	precision := ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
	recall := ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}
	accuracy := ratio(m.TruePositives+m.TrueNegatives, m.TruePositives+m.TrueNegatives+m.FalsePositives+m.FalseNegatives)

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flagged shifts, how many were fraud)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of fraud, how much was flagged)\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		fmt.Printf("   Avg Replay:       %.2f ms\n", float64(m.ProcessingTimeMs)/float64(m.TotalProcessed))
		fmt.Printf("   Throughput:       %.2f shifts/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}
	if ok := m.TotalProcessed - m.TotalErrors; ok > 0 {
		fmt.Printf("   Avg Analysis:     %.2f ms\n", float64(m.AnalysisTimeMs)/float64(ok))
	}
	fmt.Println()
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
