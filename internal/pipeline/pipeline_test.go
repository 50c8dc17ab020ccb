package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/timeweave/timeweave/internal/config"
	"github.com/timeweave/timeweave/internal/fingerprint"
	"github.com/timeweave/timeweave/internal/gate"
	"github.com/timeweave/timeweave/internal/merge"
	"github.com/timeweave/timeweave/internal/models"
	"github.com/timeweave/timeweave/internal/parse"
	"github.com/timeweave/timeweave/internal/storage"
	"github.com/timeweave/timeweave/internal/timeplan"
	"github.com/timeweave/timeweave/internal/upstream"
)

// scriptedCaller serves canned outcomes per segment index.
type scriptedCaller struct {
	mu       sync.Mutex
	calls    int
	failIdx  map[int]bool
	rawByIdx map[int]string
	block    chan struct{}
	started  chan struct{}
}

func (s *scriptedCaller) CallSegment(ctx context.Context, req models.RetrievalRequest, seg models.Segment) (upstream.SegmentResult, error) {
	if s.started != nil {
		select {
		case s.started <- struct{}{}:
		default:
		}
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return upstream.SegmentResult{Segment: seg}, ctx.Err()
		}
	}

	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	res := upstream.SegmentResult{Segment: seg, Provider: "primary"}
	if s.failIdx[seg.Index] {
		return res, errors.New("segment upstream failure")
	}
	if raw, ok := s.rawByIdx[seg.Index]; ok {
		res.Raw = raw
		return res, nil
	}
	res.Raw = fmt.Sprintf(`[{"title":"incident %d alpha"},{"title":"outage %d beta"}]`, seg.Index, seg.Index)
	return res, nil
}

func (s *scriptedCaller) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func pipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		MaxSpanDays:          30,
		ExpectedEventsPerDay: 1,
		MaxEventsPerSegment:  100,
		Concurrency:          3,
		PipelineTimeout:      time.Minute,
		SegmentTimeout:       10 * time.Second,
		FingerprintTTL:       time.Hour,
		TitleSimilarity:      0.85,
	}
}

type fixture struct {
	orch     *Orchestrator
	caller   *scriptedCaller
	store    *storage.MemoryStore
	registry *TaskRegistry
}

func newFixture(caller *scriptedCaller) *fixture {
	return newFixtureWithLogger(caller, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newFixtureWithLogger(caller *scriptedCaller, logger *slog.Logger) *fixture {
	cfg := pipelineConfig()
	store := storage.NewMemoryStore()
	registry := NewTaskRegistry(time.Hour)

	orch := NewOrchestrator(
		cfg,
		timeplan.NewPlanner(cfg.MaxSpanDays),
		caller,
		parse.NewParser(logger),
		merge.NewMerger(cfg.TitleSimilarity, logger),
		gate.NewGate(nil, gate.NewSynthetic(), logger),
		fingerprint.NewCache(cfg.FingerprintTTL, logger),
		store,
		registry,
		nil,
		logger,
	)

	return &fixture{orch: orch, caller: caller, store: store, registry: registry}
}

// sixSegmentRequest spans 180 days, planned as six 30-day segments.
func sixSegmentRequest(name string) models.RetrievalRequest {
	return models.RetrievalRequest{
		ID:   "task-" + name,
		Name: name,
		Range: models.TimeRange{
			Start: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2024, time.June, 29, 0, 0, 0, 0, time.UTC),
		},
	}
}

func plainConstraints() models.Constraints {
	return models.Constraints{MinEvents: 1, MaxEvents: 100}
}

func TestRunHappyPath(t *testing.T) {
	f := newFixture(&scriptedCaller{})

	result, err := f.orch.Run(context.Background(), sixSegmentRequest("exercise"), plainConstraints())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Segments != 6 {
		t.Errorf("segments = %d, want 6", result.Segments)
	}
	if f.caller.callCount() != 6 {
		t.Errorf("caller invoked %d times, want 6", f.caller.callCount())
	}
	if len(result.Candidates) != 12 {
		t.Errorf("candidates = %d, want 12", len(result.Candidates))
	}
	if !result.MetMinimum {
		t.Error("minimum should be met")
	}
	if result.Reasons.FailedSegments != 0 || result.Reasons.ParseFailures != 0 {
		t.Errorf("unexpected degradation reasons: %+v", result.Reasons)
	}
	if len(result.StoredIDs) != len(result.Candidates) {
		t.Errorf("stored %d events, want %d", len(result.StoredIDs), len(result.Candidates))
	}
	if f.store.Count() != len(result.Candidates) {
		t.Errorf("store holds %d events, want %d", f.store.Count(), len(result.Candidates))
	}
}

func TestRunPartialFailure(t *testing.T) {
	f := newFixture(&scriptedCaller{failIdx: map[int]bool{1: true, 4: true}})

	result, err := f.orch.Run(context.Background(), sixSegmentRequest("partial"), plainConstraints())
	if err != nil {
		t.Fatalf("partial failure should not abort the run: %v", err)
	}

	if result.Reasons.FailedSegments != 2 {
		t.Errorf("failed segments = %d, want 2", result.Reasons.FailedSegments)
	}
	if len(result.Candidates) != 8 {
		t.Errorf("candidates = %d, want 8 from the 4 surviving segments", len(result.Candidates))
	}
	if !result.MetMinimum {
		t.Error("surviving segments satisfy the minimum")
	}
}

func TestRunParseFailureDegrades(t *testing.T) {
	f := newFixture(&scriptedCaller{rawByIdx: map[int]string{
		2: "no structured data here at all",
	}})

	result, err := f.orch.Run(context.Background(), sixSegmentRequest("unparseable"), plainConstraints())
	if err != nil {
		t.Fatalf("parse failure should not abort the run: %v", err)
	}

	if result.Reasons.ParseFailures != 1 {
		t.Errorf("parse failures = %d, want 1", result.Reasons.ParseFailures)
	}
	if result.Reasons.FailedSegments != 0 {
		t.Errorf("parse failure must not count as a failed segment, got %d", result.Reasons.FailedSegments)
	}
	if len(result.Candidates) != 10 {
		t.Errorf("candidates = %d, want 10", len(result.Candidates))
	}
}

func TestRunAllSegmentsFailed(t *testing.T) {
	fail := map[int]bool{}
	for i := 0; i < 6; i++ {
		fail[i] = true
	}
	f := newFixture(&scriptedCaller{failIdx: fail})

	_, err := f.orch.Run(context.Background(), sixSegmentRequest("total-outage"), plainConstraints())
	if err == nil {
		t.Fatal("expected terminal error when every segment fails")
	}
}

func TestRunInvalidRange(t *testing.T) {
	f := newFixture(&scriptedCaller{})
	req := sixSegmentRequest("inverted")
	req.Range.Start, req.Range.End = req.Range.End, req.Range.Start

	_, err := f.orch.Run(context.Background(), req, plainConstraints())
	var segErr *timeplan.SegmentationError
	if !errors.As(err, &segErr) {
		t.Fatalf("expected SegmentationError, got %v", err)
	}
	if f.caller.callCount() != 0 {
		t.Error("no upstream call should happen for an invalid range")
	}
}

func TestRunDuplicateServedFromCache(t *testing.T) {
	f := newFixture(&scriptedCaller{})

	first, err := f.orch.Run(context.Background(), sixSegmentRequest("dup"), plainConstraints())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dup := sixSegmentRequest("dup")
	dup.ID = "task-dup-second"
	second, err := f.orch.Run(context.Background(), dup, plainConstraints())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if second.TaskID != first.TaskID {
		t.Errorf("duplicate got task %s, want cached task %s", second.TaskID, first.TaskID)
	}
	if f.caller.callCount() != 6 {
		t.Errorf("caller invoked %d times, duplicate must not re-call upstream", f.caller.callCount())
	}
}

func TestRunDuplicateInFlight(t *testing.T) {
	caller := &scriptedCaller{
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	f := newFixture(caller)

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Run(context.Background(), sixSegmentRequest("inflight"), plainConstraints())
		done <- err
	}()

	<-caller.started

	dup := sixSegmentRequest("inflight")
	dup.ID = "task-inflight-second"
	_, err := f.orch.Run(context.Background(), dup, plainConstraints())
	if !errors.Is(err, ErrDuplicateInFlight) {
		t.Fatalf("expected ErrDuplicateInFlight, got %v", err)
	}

	close(caller.block)
	if err := <-done; err != nil {
		t.Fatalf("owner run failed: %v", err)
	}
}

func TestRunKeepsOutOfWindowCandidates(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	// Segment 0 covers January 2024; the first candidate is dated years later.
	caller := &scriptedCaller{rawByIdx: map[int]string{
		0: `[{"title":"misdated border clash","eventTime":"2031-12-25T00:00:00Z"},{"title":"seasonal flooding begins","eventTime":"2024-01-05T00:00:00Z"}]`,
	}}
	f := newFixtureWithLogger(caller, logger)

	result, err := f.orch.Run(context.Background(), sixSegmentRequest("misdated"), plainConstraints())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	kept := false
	for _, c := range result.Candidates {
		if c.Title == "misdated border clash" {
			kept = true
		}
	}
	if !kept {
		t.Error("candidate outside its segment window should be kept")
	}
	if result.Reasons.FailedSegments != 0 {
		t.Errorf("failed segments = %d, want 0", result.Reasons.FailedSegments)
	}
	if !strings.Contains(buf.String(), "event outside segment window") {
		t.Error("out-of-window candidate should be logged against its segment")
	}
}

func TestRunReportsProgress(t *testing.T) {
	f := newFixture(&scriptedCaller{})
	req := sixSegmentRequest("progress")

	f.registry.Begin(req.ID)
	if _, err := f.orch.Run(context.Background(), req, plainConstraints()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	status, ok := f.registry.Get(req.ID)
	if !ok {
		t.Fatal("task should be tracked")
	}
	if status.Percent != 100 {
		t.Errorf("final percent = %d, want 100", status.Percent)
	}
}
