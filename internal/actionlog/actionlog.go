// Package actionlog is the append-only structured record of every device
// action outcome. A single writer goroutine serializes appends; readers
// tail the files without locking.
package actionlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/oceanpark/oceanctl/internal/models"
)

// PageSize is the number of records returned per log query page.
const PageSize = 100

// Sink appends ActionRecords to per-day files named
// actions-YYYY-MM-DD.log. A record near midnight lands in the file of its
// own timestamp's date.
type Sink struct {
	dir string

	ch   chan models.ActionRecord
	done chan struct{}

	// closeMu fences producers against Close: Append holds the read side
	// across its send so the channel is never closed mid-send.
	closeMu sync.RWMutex
	closed  bool

	mu          sync.Mutex
	lastErrLog  time.Time
	closeOnce   sync.Once
	flushNotify chan struct{}
}

// NewSink creates the sink and starts its writer goroutine.
func NewSink(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	s := &Sink{
		dir:         dir,
		ch:          make(chan models.ActionRecord, 1024),
		done:        make(chan struct{}),
		flushNotify: make(chan struct{}, 1),
	}
	go s.writeLoop()
	return s, nil
}

// Append queues one record. Appends are FIFO ordered: the queue is the
// only path to disk, so records land in the file in append order even
// when the writer falls behind. A full queue blocks the producer until
// the writer catches up. Appends after Close are dropped.
func (s *Sink) Append(record models.ActionRecord) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return
	}
	s.ch <- record
}

// Close drains the queue and stops the writer. Safe to call while
// producers are still appending; their records either drain or drop.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		s.closeMu.Lock()
		s.closed = true
		s.closeMu.Unlock()
		close(s.ch)
		<-s.done
	})
}

func (s *Sink) writeLoop() {
	defer close(s.done)
	for record := range s.ch {
		s.write(record)
	}
}

func (s *Sink) write(record models.ActionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.fileFor(record.Timestamp)
	data, err := json.Marshal(record)
	if err != nil {
		s.reportError(err)
		return
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		s.reportError(err)
		return
	}
	if _, err := f.Write(data); err != nil {
		s.reportError(err)
	}
	_ = f.Close()
}

// reportError logs a persistence failure at most once per minute; writes
// keep being attempted regardless.
func (s *Sink) reportError(err error) {
	if time.Since(s.lastErrLog) < time.Minute {
		return
	}
	s.lastErrLog = time.Now()
	log.Error().Err(err).Str("dir", s.dir).Msg("Action log append failed")
}

func (s *Sink) fileFor(ts time.Time) string {
	return filepath.Join(s.dir, fmt.Sprintf("actions-%s.log", ts.UTC().Format("2006-01-02")))
}

// Query returns one page of records for a calendar date, optionally
// filtered by level. Level "error" selects every non-success outcome,
// "success" the successes; any other non-empty level matches the outcome
// verbatim. Pages are 1-based.
func (s *Sink) Query(date string, level string, page int) ([]models.ActionRecord, int, error) {
	if page < 1 {
		page = 1
	}
	records, err := s.readDay(date)
	if err != nil {
		return nil, 0, err
	}

	if level != "" {
		filtered := records[:0]
		for _, r := range records {
			if matchesLevel(r.Outcome, level) {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}

	total := len(records)
	startIdx := (page - 1) * PageSize
	if startIdx >= total {
		return []models.ActionRecord{}, total, nil
	}
	end := startIdx + PageSize
	if end > total {
		end = total
	}
	return records[startIdx:end], total, nil
}

func matchesLevel(outcome models.Outcome, level string) bool {
	switch strings.ToLower(level) {
	case "error":
		return outcome != models.OutcomeSuccess
	case "success":
		return outcome == models.OutcomeSuccess
	default:
		return strings.EqualFold(string(outcome), level)
	}
}

// readDay parses one day's file, skipping malformed lines.
func (s *Sink) readDay(date string) ([]models.ActionRecord, error) {
	path := filepath.Join(s.dir, fmt.Sprintf("actions-%s.log", date))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var records []models.ActionRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var r models.ActionRecord
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			continue
		}
		records = append(records, r)
	}
	return records, scanner.Err()
}

// SuccessRate computes the fraction of SUCCESS outcomes among all records
// in the trailing window ending at now, together with the number of
// records sampled. A zero sample count means no actions ran in the
// window; the rate is 0 then and callers should not present it.
func (s *Sink) SuccessRate(now time.Time, window time.Duration) (float64, int) {
	cutoff := now.Add(-window)
	var total, success int

	// The window can span at most two calendar days for the 24h default.
	days := []string{cutoff.UTC().Format("2006-01-02")}
	if d := now.UTC().Format("2006-01-02"); d != days[0] {
		days = append(days, d)
	}
	for _, day := range days {
		records, err := s.readDay(day)
		if err != nil {
			continue
		}
		for _, r := range records {
			if r.Timestamp.Before(cutoff) || r.Timestamp.After(now) {
				continue
			}
			total++
			if r.Outcome == models.OutcomeSuccess {
				success++
			}
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(success) / float64(total), total
}

// Files lists the existing action log files, newest first. Used by the
// export endpoint.
func (s *Sink) Files() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), "actions-") && strings.HasSuffix(e.Name(), ".log") {
			files = append(files, filepath.Join(s.dir, e.Name()))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(files)))
	return files, nil
}
