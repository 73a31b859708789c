// Package detection implements the C7 Detection Service: a bounded worker
// pool of vision-model inference workers fronted by a priority queue with
// eviction-on-full, an LRU dedup cache, and per-worker crash/timeout
// isolation.
//
// The queue/backpressure/worker-isolation shape follows the teacher's
// kernel event processor (internal/kernel/events.go): bounded channel,
// drop/evict on overflow, metrics on every admission decision. Per-worker
// health tracking follows the same "isolate, don't cascade" idea applied
// per-worker instead of per-event-source.
package detection

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/visifruit-controller/contrib"
	"github.com/chele-s/visifruit-controller/internal/budget"
	"github.com/chele-s/visifruit-controller/internal/domain"
	"github.com/chele-s/visifruit-controller/internal/hal"
)

// ErrDetectionTimeout is returned when a request's deadline elapses before
// a worker produces a result.
var ErrDetectionTimeout = errors.New("detection: timeout")

// ErrDetectionUnavailable is returned when the queue is full and the
// request does not qualify for eviction-based admission, or when it was
// itself evicted to make room for a higher-priority request.
var ErrDetectionUnavailable = errors.New("detection: unavailable")

// ErrBudgetExhausted is returned when a configured token bucket has no
// budget left for the request's priority. The caller is expected to retry
// on the next refill rather than block the belt.
var ErrBudgetExhausted = errors.New("detection: priority budget exhausted")

// defaultCapacity is the bounded queue capacity (spec §4.7).
const defaultCapacity = 50

// dedupCacheCapacity is the LRU dedup cache capacity (spec §4.7).
const dedupCacheCapacity = 100

// maxConsecutiveWorkerErrors triggers a worker rebuild (spec §4.7).
const maxConsecutiveWorkerErrors = 5

// Runner is the vision-model collaborator contract (spec §6): any runtime
// that honours this contract may back the detection service.
type Runner interface {
	// Analyze runs inference over frame and returns detections, applying
	// confidenceThreshold to suppress low-confidence boxes.
	Analyze(ctx context.Context, frame hal.Frame, confidenceThreshold float64) (domain.FrameAnalysis, error)
}

// metricsSink is the subset of observability.Metrics the service updates.
type metricsSink interface {
	ObserveDetectionRequest(priority string)
	ObserveDetectionTimeout()
	SetDetectionQueueDepth(depth int)
	ObserveDetectionLatency(seconds float64)
	ObserveQualityScore(score float64)
	SetWorkersHealthy(count int)
}

// request is one pending or in-flight detection request.
type request struct {
	id         string
	frame      hal.Frame
	frameHash  string
	priority   domain.Priority
	enqueueTS  time.Time
	resultCh   chan result
}

type result struct {
	analysis domain.FrameAnalysis
	err      error
}

// Config tunes the service's bounded resources and timing.
type Config struct {
	Workers         int
	Capacity        int
	BaseTimeout     time.Duration
	ConfidenceFloor float64
	AdaptiveEnabled bool
	Scorer          contrib.QualityScorer

	// Budget, if set, admits requests against a shared token bucket
	// before they're queued, charging a priority-dependent cost (see
	// internal/budget's priority cost model).
	// Optional: a nil Budget admits every request unconditionally.
	Budget *budget.Bucket
}

// Service is the C7 Detection Service.
type Service struct {
	log     *zap.Logger
	metrics metricsSink
	runner  Runner
	cfg     Config

	mu    sync.Mutex
	cond  *sync.Cond
	queue []*request
	cache *lruCache

	busyWorkers int

	workersMu      sync.Mutex
	workerErrors   []int
	workerHealthy  []bool
	workerThresh   []float64

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Service and starts its worker pool.
func New(log *zap.Logger, metrics metricsSink, runner Runner, cfg Config) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.BaseTimeout <= 0 {
		cfg.BaseTimeout = 2 * time.Second
	}
	if cfg.ConfidenceFloor <= 0 {
		cfg.ConfidenceFloor = 0.5
	}
	if cfg.Scorer == nil {
		cfg.Scorer, _ = contrib.GetScorer("weighted")
	}

	s := &Service{
		log:           log.Named("detection"),
		metrics:       metrics,
		runner:        runner,
		cfg:           cfg,
		cache:         newLRUCache(dedupCacheCapacity),
		workerErrors:  make([]int, cfg.Workers),
		workerHealthy: make([]bool, cfg.Workers),
		workerThresh:  make([]float64, cfg.Workers),
		stop:          make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	for i := range s.workerHealthy {
		s.workerHealthy[i] = true
		s.workerThresh[i] = cfg.ConfidenceFloor
	}

	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.workerLoop(i)
	}
	if cfg.AdaptiveEnabled {
		s.wg.Add(1)
		go s.adaptiveLoop()
	}
	return s
}

// Detect enqueues a frame for analysis at the given priority and blocks
// until a result is available, the request's deadline elapses, or ctx is
// cancelled.
func (s *Service) Detect(ctx context.Context, id string, frame hal.Frame, frameHash string, priority domain.Priority) (domain.FrameAnalysis, error) {
	if s.metrics != nil {
		s.metrics.ObserveDetectionRequest(priority.String())
	}

	if s.cfg.Budget != nil && !s.cfg.Budget.ConsumeForDomainPriority(priority) {
		return domain.FrameAnalysis{}, ErrBudgetExhausted
	}

	if cached, ok := s.cache.get(frameHash); ok {
		return cached, nil
	}

	req := &request{
		id:        id,
		frame:     frame,
		frameHash: frameHash,
		priority:  priority,
		enqueueTS: time.Now(),
		resultCh:  make(chan result, 1),
	}

	if err := s.enqueue(req); err != nil {
		return domain.FrameAnalysis{}, err
	}

	deadline := s.deadlineFor(priority)
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case res := <-req.resultCh:
		if res.err != nil {
			return domain.FrameAnalysis{}, res.err
		}
		return res.analysis, nil
	case <-timer.C:
		if s.metrics != nil {
			s.metrics.ObserveDetectionTimeout()
		}
		return domain.FrameAnalysis{}, ErrDetectionTimeout
	case <-ctx.Done():
		return domain.FrameAnalysis{}, ctx.Err()
	}
}

// deadlineFor computes base_timeout × priority_factor × load_factor.
func (s *Service) deadlineFor(priority domain.Priority) time.Duration {
	s.mu.Lock()
	load := float64(s.busyWorkers) / float64(s.cfg.Workers)
	s.mu.Unlock()
	loadFactor := 1 + 0.5*load
	return time.Duration(float64(s.cfg.BaseTimeout) * priority.Factor() * loadFactor)
}

// enqueue admits req into the bounded priority queue, evicting the
// lowest-priority pending request when full and req is HIGH/CRITICAL.
func (s *Service) enqueue(req *request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) >= s.cfg.Capacity {
		if req.priority > domain.PriorityHigh {
			return ErrDetectionUnavailable
		}
		idx := s.lowestPriorityIndex(req.priority)
		if idx < 0 {
			return ErrDetectionUnavailable
		}
		evicted := s.queue[idx]
		s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
		evicted.resultCh <- result{err: ErrDetectionUnavailable}
	}

	s.insertSorted(req)
	if s.metrics != nil {
		s.metrics.SetDetectionQueueDepth(len(s.queue))
	}
	s.cond.Signal()
	return nil
}

// lowestPriorityIndex finds the pending request with the least urgency
// (highest Priority value) that is strictly less urgent than newPriority,
// returning -1 if none qualifies.
func (s *Service) lowestPriorityIndex(newPriority domain.Priority) int {
	best := -1
	for i, r := range s.queue {
		if r.priority <= newPriority {
			continue
		}
		if best == -1 || r.priority > s.queue[best].priority {
			best = i
		}
	}
	return best
}

// insertSorted inserts req keeping the queue ordered by (priority asc,
// enqueueTS asc) — lower priority value first, oldest first within a tier.
func (s *Service) insertSorted(req *request) {
	i := 0
	for ; i < len(s.queue); i++ {
		if s.queue[i].priority > req.priority {
			break
		}
		if s.queue[i].priority == req.priority && s.queue[i].enqueueTS.After(req.enqueueTS) {
			break
		}
	}
	s.queue = append(s.queue, nil)
	copy(s.queue[i+1:], s.queue[i:])
	s.queue[i] = req
}

func (s *Service) popNext() *request {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 {
		select {
		case <-s.stop:
			return nil
		default:
		}
		s.cond.Wait()
		select {
		case <-s.stop:
			return nil
		default:
		}
	}
	req := s.queue[0]
	s.queue = s.queue[1:]
	if s.metrics != nil {
		s.metrics.SetDetectionQueueDepth(len(s.queue))
	}
	return req
}

// workerLoop pulls requests and runs inference, isolating crashes/timeouts
// to this worker's own error count.
func (s *Service) workerLoop(worker int) {
	defer s.wg.Done()
	for {
		req := s.popNext()
		if req == nil {
			return
		}
		s.process(worker, req)
	}
}

func (s *Service) process(worker int, req *request) {
	s.mu.Lock()
	s.busyWorkers++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.busyWorkers--
		s.mu.Unlock()
	}()

	start := time.Now()
	analysis, err := s.runSafely(worker, req)
	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.ObserveDetectionLatency(elapsed.Seconds())
	}

	if err == nil {
		analysis = s.scoreAnalysis(analysis)
		s.cache.put(req.frameHash, analysis)
	}

	select {
	case req.resultCh <- result{analysis: analysis, err: err}:
	default:
	}
}

// runSafely invokes the runner under recover(), converting a panic into an
// error and counting it against the worker's consecutive-error budget.
func (s *Service) runSafely(worker int, req *request) (analysis domain.FrameAnalysis, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("detection: worker panic")
		}
		s.recordWorkerOutcome(worker, err == nil)
	}()

	threshold := s.cfg.ConfidenceFloor
	s.workersMu.Lock()
	if worker < len(s.workerThresh) {
		threshold = s.workerThresh[worker]
	}
	s.workersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.BaseTimeout*2)
	defer cancel()
	analysis, err = s.runner.Analyze(ctx, req.frame, threshold)
	return analysis, err
}

// recordWorkerOutcome tracks consecutive errors, rebuilding (resetting)
// the worker after maxConsecutiveWorkerErrors.
func (s *Service) recordWorkerOutcome(worker int, ok bool) {
	s.workersMu.Lock()
	defer s.workersMu.Unlock()
	if worker >= len(s.workerErrors) {
		return
	}
	if ok {
		s.workerErrors[worker] = 0
		s.workerHealthy[worker] = true
	} else {
		s.workerErrors[worker]++
		if s.workerErrors[worker] >= maxConsecutiveWorkerErrors {
			s.log.Warn("detection worker unhealthy, rebuilding", zap.Int("worker", worker))
			s.workerHealthy[worker] = false
			s.workerErrors[worker] = 0
			// "Rebuild from scratch" in this process means resetting the
			// adaptive threshold and error count; the runner itself is a
			// stateless collaborator so there is nothing further to reload.
			s.workerThresh[worker] = s.cfg.ConfidenceFloor
			s.workerHealthy[worker] = true
		}
	}
	if s.metrics != nil {
		healthy := 0
		for _, h := range s.workerHealthy {
			if h {
				healthy++
			}
		}
		s.metrics.SetWorkersHealthy(healthy)
	}
}

// scoreAnalysis fills in QualityScore/Quality on the analysis and every
// detection using the configured contrib.QualityScorer.
func (s *Service) scoreAnalysis(a domain.FrameAnalysis) domain.FrameAnalysis {
	if s.cfg.Scorer == nil {
		return a
	}
	var total float64
	for i := range a.Detections {
		d := &a.Detections[i]
		area := (d.BBox.X2 - d.BBox.X1) * (d.BBox.Y2 - d.BBox.Y1)
		width := d.BBox.X2 - d.BBox.X1
		height := d.BBox.Y2 - d.BBox.Y1
		aspect := 1.0
		if height > 0 {
			aspect = width / height
		}
		edgeProximity := edgeProximityOf(d.BBox)
		score, err := s.cfg.Scorer.Score(contrib.ScoreRequest{
			Confidence:    d.Confidence,
			BBoxArea:      area,
			AspectRatio:   aspect,
			EdgeProximity: edgeProximity,
			LightingScore: a.LightingScore,
			BlurScore:     a.BlurScore,
		})
		if err != nil {
			continue
		}
		d.QualityScore = score
		total += score
		if s.metrics != nil {
			s.metrics.ObserveQualityScore(score)
		}
	}
	a.Quality = overallQuality(a, total)
	return a
}

func edgeProximityOf(b domain.BBox) float64 {
	distToEdge := func(v float64) float64 {
		d := v
		if 1-v < d {
			d = 1 - v
		}
		return d
	}
	minDist := distToEdge(b.X1)
	for _, v := range []float64{b.Y1, b.X2, b.Y2} {
		if d := distToEdge(v); d < minDist {
			minDist = d
		}
	}
	return 1 - minDist*2
}

func overallQuality(a domain.FrameAnalysis, totalScore float64) domain.FrameQuality {
	if len(a.Detections) == 0 {
		return domain.QualityFailed
	}
	avg := totalScore / float64(len(a.Detections))
	switch {
	case avg >= 0.85:
		return domain.QualityExcellent
	case avg >= 0.65:
		return domain.QualityGood
	case avg >= 0.4:
		return domain.QualityAcceptable
	default:
		return domain.QualityPoor
	}
}

// Close stops every worker, releasing goroutines.
func (s *Service) Close() {
	close(s.stop)
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()
}

// adaptiveLoop adjusts each worker's confidence threshold by ±0.05 every
// 5 minutes within [0.3, 0.9]. Queue depth, sampled once per tick, is a
// simplified proxy for throughput: the threshold rises when the queue is
// more than half full and falls when the queue is empty.
func (s *Service) adaptiveLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			depth := len(s.queue)
			s.mu.Unlock()

			s.workersMu.Lock()
			for i := range s.workerThresh {
				switch {
				case depth > s.cfg.Capacity/2:
					s.workerThresh[i] = clampThreshold(s.workerThresh[i] + 0.05)
				case depth == 0:
					s.workerThresh[i] = clampThreshold(s.workerThresh[i] - 0.05)
				}
			}
			s.workersMu.Unlock()
		}
	}
}

func clampThreshold(v float64) float64 {
	if v < 0.3 {
		return 0.3
	}
	if v > 0.9 {
		return 0.9
	}
	return v
}
