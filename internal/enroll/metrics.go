package enroll

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MetricResult represents the outcome of an enrollment or refresh.
type MetricResult string

const (
	MetricResultSuccess MetricResult = "success"
	MetricResultFailure MetricResult = "failure"
	MetricResultTimeout MetricResult = "timeout"
)

// Operation names recorded by Metrics.
const (
	OperationEnroll  = "enroll"
	OperationRefresh = "refresh"
)

// Metrics counts enrollment and refresh attempts and logs each one as a
// structured event (wendy_enroll_attempt / wendy_refresh_attempt).
type Metrics struct {
	logger zerolog.Logger

	mu        sync.RWMutex
	totals    map[string]map[MetricResult]int64
	durations map[string][]float64
}

// Stats summarizes one operation.
type Stats struct {
	TotalAttempts          int64
	SuccessCount           int64
	FailureCount           int64
	TimeoutCount           int64
	AverageDurationSeconds float64
}

// NewMetrics creates a Metrics instance.
func NewMetrics(logger zerolog.Logger) *Metrics {
	return &Metrics{
		logger:    logger,
		totals:    make(map[string]map[MetricResult]int64),
		durations: make(map[string][]float64),
	}
}

// ResultOf maps an operation error to a MetricResult.
func ResultOf(err error) MetricResult {
	switch {
	case err == nil:
		return MetricResultSuccess
	case errors.Is(err, context.DeadlineExceeded):
		return MetricResultTimeout
	default:
		return MetricResultFailure
	}
}

// Record stores one attempt.
func (m *Metrics) Record(operation string, result MetricResult, duration time.Duration, orgID int32, subject string, err error) {
	if m == nil {
		return
	}

	m.mu.Lock()
	if m.totals[operation] == nil {
		m.totals[operation] = make(map[MetricResult]int64)
	}
	m.totals[operation][result]++
	m.durations[operation] = append(m.durations[operation], duration.Seconds())
	m.mu.Unlock()

	event := m.logger.Info().
		Str("metric", "wendy_"+operation+"_attempt").
		Str("result", string(result)).
		Float64("duration_seconds", duration.Seconds()).
		Int32("org_id", orgID).
		Str("subject", subject)
	if err != nil {
		event = event.Str("error", err.Error())
	}
	event.Msg("Attempt recorded")
}

// Stats returns statistics for operation.
func (m *Metrics) Stats(operation string) Stats {
	if m == nil {
		return Stats{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Stats
	for result, count := range m.totals[operation] {
		s.TotalAttempts += count
		switch result {
		case MetricResultSuccess:
			s.SuccessCount = count
		case MetricResultFailure:
			s.FailureCount = count
		case MetricResultTimeout:
			s.TimeoutCount = count
		}
	}

	if d := m.durations[operation]; len(d) > 0 {
		sum := 0.0
		for _, v := range d {
			sum += v
		}
		s.AverageDurationSeconds = sum / float64(len(d))
	}
	return s
}
