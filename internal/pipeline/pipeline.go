package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/timeweave/timeweave/internal/config"
	"github.com/timeweave/timeweave/internal/fingerprint"
	"github.com/timeweave/timeweave/internal/gate"
	"github.com/timeweave/timeweave/internal/merge"
	"github.com/timeweave/timeweave/internal/metrics"
	"github.com/timeweave/timeweave/internal/models"
	"github.com/timeweave/timeweave/internal/parse"
	"github.com/timeweave/timeweave/internal/storage"
	"github.com/timeweave/timeweave/internal/timeplan"
	"github.com/timeweave/timeweave/internal/upstream"
)

// ErrDuplicateInFlight reports that an identical request is already running.
// The caller should poll the owning task rather than start another run.
var ErrDuplicateInFlight = errors.New("identical request already in flight")

// SegmentCaller executes the resilient upstream call for one segment.
type SegmentCaller interface {
	CallSegment(ctx context.Context, req models.RetrievalRequest, seg models.Segment) (upstream.SegmentResult, error)
}

// Orchestrator runs the full retrieval pipeline: fingerprint admission,
// segmentation, concurrent per-segment calls, parsing, merge, sufficiency
// and storage. Segment failures degrade the result instead of aborting it;
// only segmentation errors and a fully failed fan-out are terminal.
type Orchestrator struct {
	planner      *timeplan.Planner
	caller       SegmentCaller
	parser       *parse.Parser
	merger       *merge.Merger
	gate         *gate.Gate
	fingerprints *fingerprint.Cache
	store        storage.EventStore
	progress     ProgressReporter
	collector    *metrics.Collector
	cfg          config.PipelineConfig
	logger       *slog.Logger
}

// NewOrchestrator wires the pipeline stages together. store, progress and
// collector may be nil.
func NewOrchestrator(
	cfg config.PipelineConfig,
	planner *timeplan.Planner,
	caller SegmentCaller,
	parser *parse.Parser,
	merger *merge.Merger,
	g *gate.Gate,
	fingerprints *fingerprint.Cache,
	store storage.EventStore,
	progress ProgressReporter,
	collector *metrics.Collector,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		planner:      planner,
		caller:       caller,
		parser:       parser,
		merger:       merger,
		gate:         g,
		fingerprints: fingerprints,
		store:        store,
		progress:     progress,
		collector:    collector,
		cfg:          cfg,
		logger:       logger,
	}
}

// segmentJob and segmentOutcome carry work through the fan-out pool.
type segmentJob struct {
	index   int
	segment models.Segment
}

type segmentOutcome struct {
	index             int
	candidates        []models.EventCandidate
	circuitOpenEvents int
	retriesConsumed   int
	parseFailed       bool
	failed            bool
}

// Run executes one retrieval request end to end. A duplicate of a completed
// run within the fingerprint TTL returns the cached result; a duplicate of a
// run still in flight returns ErrDuplicateInFlight.
func (o *Orchestrator) Run(ctx context.Context, req models.RetrievalRequest, constraints models.Constraints) (*models.PipelineResult, error) {
	if err := req.Range.Validate(); err != nil {
		return nil, &timeplan.SegmentationError{Reason: err.Error()}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	fp := fingerprint.Compute(req)
	ticket := o.fingerprints.BeginOrJoin(fp, req.ID)
	if !ticket.IsOwner {
		if ticket.Status == fingerprint.StatusDone && ticket.Result != nil {
			o.logger.Info("serving cached result for duplicate request",
				"request_id", req.ID,
				"cached_task", ticket.Result.TaskID)
			return ticket.Result, nil
		}
		return nil, fmt.Errorf("%w: fingerprint %s", ErrDuplicateInFlight, fp[:12])
	}

	start := time.Now()
	result, err := o.run(ctx, req, constraints)
	if err != nil {
		o.fingerprints.Fail(fp)
		if o.progress != nil {
			o.progress.UpdateProgress(req.ID, 100, nil, "failed: "+err.Error())
		}
		return nil, err
	}

	result.Duration = time.Since(start)
	o.fingerprints.Complete(fp, result)
	return result, nil
}

func (o *Orchestrator) run(parent context.Context, req models.RetrievalRequest, constraints models.Constraints) (*models.PipelineResult, error) {
	ctx := parent
	if o.cfg.PipelineTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, o.cfg.PipelineTimeout)
		defer cancel()
	}

	segments, err := o.planner.PlanIntelligent(req.Range,
		o.cfg.MaxSpanDays, o.cfg.ExpectedEventsPerDay, o.cfg.MaxEventsPerSegment)
	if err != nil {
		return nil, err
	}
	if o.collector != nil {
		o.collector.RecordSegmentsPlanned(len(segments))
	}

	o.logger.Info("segmentation complete",
		"request_id", req.ID,
		"plan", timeplan.Stats(segments))
	o.report(req.ID, 10, map[string]int{"segments": len(segments)}, "segmentation complete")

	outcomes := o.fanOut(ctx, req, segments)

	var reasons models.ReasonSet
	completed := 0
	lists := make([][]models.EventCandidate, 0, len(outcomes))
	for _, oc := range outcomes {
		reasons.CircuitOpenEvents += oc.circuitOpenEvents
		reasons.RetriesConsumed += oc.retriesConsumed
		if oc.parseFailed {
			reasons.ParseFailures++
		}
		if oc.failed {
			reasons.FailedSegments++
			continue
		}
		completed++
		lists = append(lists, oc.candidates)
	}

	if completed == 0 {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("all %d segments failed: %w", len(segments), ctxErr)
		}
		return nil, fmt.Errorf("all %d segments failed", len(segments))
	}

	o.report(req.ID, 70, map[string]int{
		"segments_done":   completed,
		"segments_failed": reasons.FailedSegments,
	}, "segment retrieval complete")

	merged := o.merger.Merge(lists)
	dropped := o.merger.Dropped(lists, merged)
	if o.collector != nil && dropped > 0 {
		o.collector.RecordDedupDropped(dropped)
	}
	o.report(req.ID, 80, map[string]int{
		"candidates": len(merged),
		"duplicates": dropped,
	}, "merge complete")

	final, gateOutcome := o.gate.Ensure(ctx, req, merged, constraints)
	reasons.Supplemented = gateOutcome.Supplemented
	if o.collector != nil && gateOutcome.Supplemented > 0 {
		o.collector.RecordSupplemented(gateOutcome.Supplemented)
	}
	o.report(req.ID, 90, map[string]int{
		"candidates":   len(final),
		"supplemented": gateOutcome.Supplemented,
		"truncated":    gateOutcome.Truncated,
	}, "sufficiency check complete")

	result := &models.PipelineResult{
		TaskID:     req.ID,
		Candidates: final,
		Segments:   len(segments),
		MetMinimum: gateOutcome.MetMinimum,
		Reasons:    reasons,
	}

	if o.store != nil && len(final) > 0 {
		ids, storeErr := o.store.StoreEventsBatch(ctx, req.ID, req.RegionIDs, final)
		if storeErr != nil {
			// The retrieval itself succeeded; surface storage failure as a
			// degraded result, not a pipeline error.
			o.logger.Error("failed to store event batch",
				"request_id", req.ID,
				"error", storeErr)
		} else {
			result.StoredIDs = ids
		}
	}

	o.report(req.ID, 100, map[string]int{"events": len(final)}, "pipeline complete")

	o.logger.Info("pipeline complete",
		"request_id", req.ID,
		"segments", len(segments),
		"failed_segments", reasons.FailedSegments,
		"events", len(final),
		"met_minimum", result.MetMinimum,
		"supplemented", reasons.Supplemented)

	return result, nil
}

// fanOut runs segment calls through a bounded worker pool and collects
// per-segment outcomes in segment order.
func (o *Orchestrator) fanOut(ctx context.Context, req models.RetrievalRequest, segments []models.Segment) []segmentOutcome {
	workers := o.cfg.Concurrency
	if workers <= 0 {
		workers = 3
	}
	if workers > len(segments) {
		workers = len(segments)
	}

	jobChan := make(chan segmentJob, len(segments))
	resultChan := make(chan segmentOutcome, len(segments))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobChan {
				resultChan <- o.runSegment(ctx, req, job)
			}
		}()
	}

	for i, seg := range segments {
		jobChan <- segmentJob{index: i, segment: seg}
	}
	close(jobChan)

	wg.Wait()
	close(resultChan)

	outcomes := make([]segmentOutcome, len(segments))
	for oc := range resultChan {
		outcomes[oc.index] = oc
	}
	return outcomes
}

func (o *Orchestrator) runSegment(ctx context.Context, req models.RetrievalRequest, job segmentJob) segmentOutcome {
	outcome := segmentOutcome{index: job.index}

	if ctx.Err() != nil {
		outcome.failed = true
		return outcome
	}

	segCtx := ctx
	if o.cfg.SegmentTimeout > 0 {
		var cancel context.CancelFunc
		segCtx, cancel = context.WithTimeout(ctx, o.cfg.SegmentTimeout)
		defer cancel()
	}

	res, err := o.caller.CallSegment(segCtx, req, job.segment)
	outcome.circuitOpenEvents = res.CircuitOpenEvents
	outcome.retriesConsumed = res.RetriesConsumed

	if err != nil {
		o.logger.Warn("segment failed",
			"segment", job.segment.ID,
			"error", err)
		outcome.failed = true
		return outcome
	}

	switch {
	case len(res.Candidates) > 0:
		outcome.candidates = res.Candidates
	case res.Raw != "":
		candidates := o.parser.Parse(res.Raw)
		if len(candidates) == 0 {
			// An unparseable body is a soft failure: the segment contributes
			// nothing but the run continues.
			outcome.parseFailed = true
			if o.collector != nil {
				o.collector.RecordParseFailure()
			}
			o.logger.Warn("segment response unparseable",
				"segment", job.segment.ID,
				"provider", res.Provider,
				"bytes", len(res.Raw))
		}
		outcome.candidates = candidates
	}

	// Out-of-window candidates are kept but flagged; the merge step orders
	// the full result globally.
	for _, c := range outcome.candidates {
		if c.EventTime != nil && !job.segment.Contains(*c.EventTime) {
			o.logger.Warn("event outside segment window",
				"segment", job.segment.ID,
				"title", c.Title,
				"event_time", c.EventTime)
			continue
		}
		o.logger.Debug("event in segment",
			"segment", job.segment.ID,
			"title", c.Title,
			"origin", c.Origin)
	}

	return outcome
}

func (o *Orchestrator) report(taskID string, percent int, counts map[string]int, message string) {
	if o.progress != nil {
		o.progress.UpdateProgress(taskID, percent, counts, message)
	}
}
