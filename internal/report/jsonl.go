package report

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/svcgate/svcgate/api"
)

// JSONLStore is an append-only JSONL usage-report store with date-based
// file rotation. Recent reports are kept in memory (bounded) for queries
// and stats.
type JSONLStore struct {
	mu          sync.Mutex
	dir         string
	currentDate string
	file        *os.File
	writer      *bufio.Writer

	reports []*api.UsageReport
	maxMem  int
}

// NewJSONLStore creates a store writing to the given directory.
func NewJSONLStore(dir string) (*JSONLStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating report directory: %w", err)
	}
	return &JSONLStore{
		dir:    dir,
		maxMem: 10000,
	}, nil
}

func (s *JSONLStore) Write(_ context.Context, rep *api.UsageReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rep.Timestamp.IsZero() {
		rep.Timestamp = time.Now()
	}

	dateStr := rep.Timestamp.Format("2006-01-02")
	if dateStr != s.currentDate {
		if err := s.rotate(dateStr); err != nil {
			return err
		}
	}

	data, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("marshaling usage report: %w", err)
	}
	if _, err := s.writer.Write(data); err != nil {
		return err
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return err
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}

	if len(s.reports) >= s.maxMem {
		s.reports = s.reports[1:]
	}
	s.reports = append(s.reports, rep)

	return nil
}

func (s *JSONLStore) Query(_ context.Context, filter api.QueryFilter) ([]*api.UsageReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var results []*api.UsageReport
	for _, r := range s.reports {
		if matchesFilter(r, filter) {
			results = append(results, r)
		}
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(results) {
			return nil, nil
		}
		results = results[filter.Offset:]
	}
	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}

	return results, nil
}

func (s *JSONLStore) Stats(_ context.Context) (*api.ReportStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &api.ReportStats{
		ByOperation: make(map[string]int),
		ByCaller:    make(map[string]int),
	}

	for _, r := range s.reports {
		stats.TotalRequests++
		switch r.Outcome {
		case api.OutcomeAllowed:
			stats.AllowedCount++
		case api.OutcomeDenied:
			stats.DeniedCount++
		case api.OutcomeError:
			stats.ErrorCount++
		case api.OutcomeAborted:
			stats.AbortedCount++
		}
		if r.Operation != "" {
			stats.ByOperation[r.Operation]++
		}
		if r.CallerID != "" {
			stats.ByCaller[r.CallerID]++
		}
	}

	return stats, nil
}

func (s *JSONLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer != nil {
		if err := s.writer.Flush(); err != nil {
			return err
		}
	}
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

func (s *JSONLStore) rotate(dateStr string) error {
	if s.writer != nil {
		if err := s.writer.Flush(); err != nil {
			return err
		}
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return err
		}
	}

	path := filepath.Join(s.dir, dateStr+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("opening report file: %w", err)
	}

	s.file = f
	s.writer = bufio.NewWriter(f)
	s.currentDate = dateStr
	return nil
}

func matchesFilter(r *api.UsageReport, f api.QueryFilter) bool {
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.Timestamp.After(f.Until) {
		return false
	}
	if f.Operation != "" && r.Operation != f.Operation {
		return false
	}
	if f.CallerID != "" && r.CallerID != f.CallerID {
		return false
	}
	if f.Outcome != "" && r.Outcome != f.Outcome {
		return false
	}
	return true
}
