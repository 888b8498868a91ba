// Package reports maintains the per-day operational report files: the
// monitoring time series, fleet alerts and finished bulk operations.
// Every write replaces the day's file atomically, so readers never observe
// a torn report.
package reports

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio"
	"github.com/rs/zerolog/log"

	"github.com/oceanpark/oceanctl/internal/models"
)

const dateLayout = "2006-01-02"

// DailyReport is the content of one day's report file.
type DailyReport struct {
	Date       string                   `json:"date"`
	Samples    []models.MonitorSample   `json:"samples,omitempty"`
	Alerts     []models.AlertEvent      `json:"alerts,omitempty"`
	Executions []models.ExecutionReport `json:"executions,omitempty"`
}

// Store owns the report directory. A single mutex serializes the
// read-modify-write cycle; report volume is a handful of entries per
// minute at most.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates the report directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// AppendSample adds one monitoring data point to its day's report.
func (s *Store) AppendSample(sample models.MonitorSample) error {
	return s.mutate(sample.Timestamp, func(r *DailyReport) {
		r.Samples = append(r.Samples, sample)
	})
}

// AppendAlert adds one fleet alert to its day's report.
func (s *Store) AppendAlert(alert models.AlertEvent) error {
	return s.mutate(alert.Timestamp, func(r *DailyReport) {
		r.Alerts = append(r.Alerts, alert)
	})
}

// AppendExecution adds one finished bulk operation to its day's report.
func (s *Store) AppendExecution(report models.ExecutionReport) error {
	return s.mutate(report.StartedAt, func(r *DailyReport) {
		r.Executions = append(r.Executions, report)
	})
}

// mutate loads the day's report, applies fn and writes the file back via
// an atomic rename.
func (s *Store) mutate(ts time.Time, fn func(*DailyReport)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	date := ts.UTC().Format(dateLayout)
	report := s.load(date)
	fn(&report)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report %s: %w", date, err)
	}
	if err := renameio.WriteFile(s.fileFor(date), data, 0o644); err != nil {
		return fmt.Errorf("write report %s: %w", date, err)
	}
	return nil
}

// load reads one day's report. A missing or corrupt file yields a fresh
// empty report so one bad write never wedges the day.
func (s *Store) load(date string) DailyReport {
	report := DailyReport{Date: date}
	data, err := os.ReadFile(s.fileFor(date))
	if err != nil {
		return report
	}
	if err := json.Unmarshal(data, &report); err != nil {
		log.Warn().Str("date", date).Err(err).Msg("Report file corrupt, starting fresh")
		return DailyReport{Date: date}
	}
	report.Date = date
	return report
}

// Get returns one day's report. Absent days come back empty, not as an
// error.
func (s *Store) Get(date string) (DailyReport, error) {
	if _, err := time.Parse(dateLayout, date); err != nil {
		return DailyReport{}, fmt.Errorf("invalid report date %q", date)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(date), nil
}

// Dates lists the days that have a report file, newest first.
func (s *Store) Dates() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var dates []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".report") {
			continue
		}
		date := strings.TrimSuffix(name, ".report")
		if _, err := time.Parse(dateLayout, date); err != nil {
			continue
		}
		dates = append(dates, date)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

func (s *Store) fileFor(date string) string {
	return filepath.Join(s.dir, date+".report")
}
