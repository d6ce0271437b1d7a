// Package pipeline drives one video through detection: it reads frames,
// submits sampled ones to the detection service, tracks posture
// transitions, draws the results and writes the annotated copy.
package pipeline

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/vzahanych/fallwatch/internal/annotate"
	"github.com/vzahanych/fallwatch/internal/detection"
	"github.com/vzahanych/fallwatch/internal/library"
	"github.com/vzahanych/fallwatch/internal/logger"
	"github.com/vzahanych/fallwatch/internal/sampling"
	"github.com/vzahanych/fallwatch/internal/service"
	"github.com/vzahanych/fallwatch/internal/store"
	"github.com/vzahanych/fallwatch/internal/tracker"
	"github.com/vzahanych/fallwatch/internal/video"
)

// Library is what a run needs from the video library.
type Library interface {
	Get(id string) (library.VideoItem, bool)
	Remove(ctx context.Context, id string) (string, error)
	CompleteRun(ctx context.Context, id, processedPath string, timecodes []tracker.TimeCode) (library.VideoItem, error)
	OutputInUse(path, exceptID string) bool
}

// RunRecorder persists run history.
type RunRecorder interface {
	SaveRun(ctx context.Context, r store.RunRecord) error
}

// RunnerConfig wires a Runner. Runs and Preview are optional.
type RunnerConfig struct {
	Opener    video.Opener
	Detectors *DetectorHolder
	Library   Library
	Runs      RunRecorder
	Preview   *Preview
}

// Result describes a finished run. On abort Err is set and Item is the
// item as it was when the run started. PartialPath names the unfinished
// output an aborted run left behind, if any.
type Result struct {
	RunID       string
	Item        library.VideoItem
	State       State
	OutputPath  string
	PartialPath string
	TimeCodes   []tracker.TimeCode
	Frames      int
	Submissions int
	ItemRemoved bool
	Alert       string
	Err         error
	Duration    time.Duration
}

// Runner executes at most one run at a time.
type Runner struct {
	opener    video.Opener
	detectors *DetectorHolder
	library   Library
	runs      RunRecorder
	preview   *Preview
	annotator *annotate.Annotator
	bus       *service.EventBus
	logger    *logger.Logger

	busy atomic.Bool
	// admit orders run admission against RemoveIdle.
	admit sync.Mutex

	mu        sync.RWMutex
	status    Status
	cancelRun context.CancelFunc
	baseCtx   context.Context
	stopBase  context.CancelFunc
	wg        sync.WaitGroup
}

// NewRunner creates an idle runner.
func NewRunner(cfg RunnerConfig, log *logger.Logger) *Runner {
	return &Runner{
		opener:    cfg.Opener,
		detectors: cfg.Detectors,
		library:   cfg.Library,
		runs:      cfg.Runs,
		preview:   cfg.Preview,
		annotator: annotate.New(),
		logger:    log.Named("pipeline"),
		status:    Status{State: StateIdle},
	}
}

func (r *Runner) Name() string {
	return "pipeline"
}

func (r *Runner) SetEventBus(bus *service.EventBus) {
	r.bus = bus
}

// Start binds background runs to ctx.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.baseCtx, r.stopBase = context.WithCancel(ctx)
	return nil
}

// Stop cancels a background run and waits for it to wind down.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopBase != nil {
		r.stopBase()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "run did not stop in time")
	}
}

// Busy reports whether a run is in progress.
func (r *Runner) Busy() bool {
	return r.busy.Load()
}

// Status returns a snapshot of the current or last run.
func (r *Runner) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Cancel stops the current run. It reports false when nothing is running.
func (r *Runner) Cancel() bool {
	r.mu.RLock()
	cancel := r.cancelRun
	r.mu.RUnlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Run processes item synchronously.
func (r *Runner) Run(ctx context.Context, item library.VideoItem, settings Settings) (*Result, error) {
	runID, ctx, cancel, err := r.admitRun(ctx, item)
	if err != nil {
		return nil, err
	}
	defer r.busy.Store(false)
	defer cancel()

	res := r.run(ctx, runID, item, settings)
	return res, res.Err
}

// RunAsync starts a run in the background and returns its id. The run is
// bound to the context given to Start, not to the caller's.
func (r *Runner) RunAsync(item library.VideoItem, settings Settings) (string, error) {
	r.mu.RLock()
	ctx := r.baseCtx
	r.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}

	runID, ctx, cancel, err := r.admitRun(ctx, item)
	if err != nil {
		return "", err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.busy.Store(false)
		defer cancel()
		r.run(ctx, runID, item, settings)
	}()
	return runID, nil
}

// RemoveIdle removes a video from the library unless a run is processing
// it. The check and the removal are atomic with respect to run admission.
func (r *Runner) RemoveIdle(ctx context.Context, id string) (string, error) {
	r.admit.Lock()
	defer r.admit.Unlock()

	if r.busy.Load() && r.Status().VideoID == id {
		return "", errors.Wrapf(ErrBusy, "video %s is being processed", id)
	}
	return r.library.Remove(ctx, id)
}

// admitRun claims the runner for item and publishes the new run's status
// before any work starts, so callers observe it as soon as Run or RunAsync
// has returned or been entered.
func (r *Runner) admitRun(ctx context.Context, item library.VideoItem) (string, context.Context, context.CancelFunc, error) {
	r.admit.Lock()
	defer r.admit.Unlock()

	if !r.busy.CompareAndSwap(false, true) {
		return "", nil, nil, ErrBusy
	}
	if _, ok := r.library.Get(item.ID); !ok {
		r.busy.Store(false)
		return "", nil, nil, errors.Wrapf(library.ErrNotFound, "process %s", item.ID)
	}

	runID := uuid.New().String()
	ctx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.cancelRun = cancel
	r.status = Status{RunID: runID, VideoID: item.ID, State: StateIdle, StartedAt: time.Now()}
	r.mu.Unlock()
	return runID, ctx, cancel, nil
}

type runState struct {
	res         *Result
	settings    Settings
	source      video.Source
	sink        video.Sink
	sinkOpened  bool
	partialPath string
	started     time.Time
	log         *logger.Logger
}

func (r *Runner) run(ctx context.Context, runID string, item library.VideoItem, settings Settings) *Result {
	out := settings.OutputPath(item.OriginalPath)
	if r.library.OutputInUse(out, item.ID) {
		out = settings.ItemOutputPath(item.OriginalPath, item.ID)
	}

	rs := &runState{
		res: &Result{
			RunID:      runID,
			Item:       item,
			OutputPath: out,
		},
		settings:    settings,
		partialPath: PartialPath(out, runID),
		started:     time.Now(),
		log:         r.logger.With("run_id", runID, "video_id", item.ID),
	}

	defer func() {
		r.mu.Lock()
		r.cancelRun = nil
		r.mu.Unlock()
	}()

	if r.preview != nil {
		r.preview.Reset()
	}

	rs.log.Info("Run started", "source", item.OriginalPath, "output", rs.res.OutputPath)
	r.publish(service.EventTypeRunStarted, map[string]interface{}{
		"run_id":   runID,
		"video_id": item.ID,
		"source":   item.OriginalPath,
	})

	if err := r.execute(ctx, rs, item); err != nil {
		r.abort(ctx, rs, err)
	}

	rs.res.Duration = time.Since(rs.started)
	r.record(ctx, rs)
	return rs.res
}

func (r *Runner) execute(ctx context.Context, rs *runState, item library.VideoItem) error {
	r.setState(rs, StateConnecting)

	detector := r.detectors.Get()
	if err := detector.HealthCheck(ctx); err != nil {
		return errors.Mark(errors.Wrap(err, "detection service unreachable"), ErrConnectivity)
	}
	if err := detector.ResetTracking(ctx); err != nil {
		rs.log.Warn("Tracking reset failed, continuing", "error", err)
	}

	r.setState(rs, StateProcessing)

	source, err := r.opener.OpenSource(ctx, item.OriginalPath)
	if err != nil {
		return errors.Mark(err, ErrOpen)
	}
	rs.source = source

	sink, err := r.opener.OpenSink(ctx, rs.partialPath, source.FPS(), source.Width(), source.Height())
	if err != nil {
		return errors.Mark(err, ErrOpen)
	}
	rs.sink = sink
	rs.sinkOpened = true

	fps := source.FPS()
	policy := sampling.New(fps, rs.settings.FrameSendingDelay)
	track := tracker.New(tracker.Options{
		Triggers:          rs.settings.Triggers,
		UpdateOnUntracked: rs.settings.UpdateOnUntracked,
	})
	rs.log.Debug("Sampling", "fps", fps, "interval", policy.Interval())

	var latest []detection.Detection
	for {
		frame, err := source.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return errors.Mark(errors.Wrap(err, "failed to read frame"), ErrFrameIO)
		}

		if policy.IsCandidate(frame.Index) {
			dets, err := detector.Submit(ctx, frame.Image, item.OriginalPath)
			rs.res.Submissions++
			if err != nil {
				return classifySubmit(errors.Wrapf(err, "frame %d", frame.Index))
			}
			latest = dets
		}

		for _, tc := range track.Observe(frame.Index, fps, latest) {
			rs.res.TimeCodes = append(rs.res.TimeCodes, tc)
			rs.log.Info("Transition detected", "frame", frame.Index, "timecode", float64(tc))
			r.publish(service.EventTypeRunTimeCode, map[string]interface{}{
				"run_id":   rs.res.RunID,
				"video_id": item.ID,
				"frame":    frame.Index,
				"timecode": float64(tc),
			})
		}

		r.annotator.Annotate(frame.Image, latest)
		if r.preview != nil {
			r.preview.Offer(frame.Index, frame.Image)
		}

		if err := rs.sink.Write(ctx, frame); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return errors.Mark(errors.Wrapf(err, "failed to write frame %d", frame.Index), ErrFrameIO)
		}
		rs.res.Frames++
		r.updateProgress(rs)
	}

	rs.source.Close()
	rs.source = nil

	sink = rs.sink
	rs.sink = nil
	if err := sink.Close(); err != nil {
		return errors.Mark(errors.Wrap(err, "failed to finalize output"), ErrFrameIO)
	}
	// Only a finalized file ever appears under the output name.
	if err := os.Rename(rs.partialPath, rs.res.OutputPath); err != nil {
		return errors.Mark(errors.Wrap(err, "failed to move output into place"), ErrFrameIO)
	}
	rs.partialPath = ""

	updated, err := r.library.CompleteRun(ctx, item.ID, rs.res.OutputPath, rs.res.TimeCodes)
	if err != nil {
		return errors.Wrap(err, "failed to update library")
	}
	rs.res.Item = updated

	r.setState(rs, StateSuccess)
	rs.log.Info("Run succeeded",
		"frames", rs.res.Frames,
		"submissions", rs.res.Submissions,
		"timecodes", len(rs.res.TimeCodes),
	)
	r.publish(service.EventTypeRunSucceeded, map[string]interface{}{
		"run_id":      rs.res.RunID,
		"video_id":    item.ID,
		"output_path": rs.res.OutputPath,
		"frames":      rs.res.Frames,
		"timecodes":   tcFloats(rs.res.TimeCodes),
	})
	return nil
}

// abort releases every open resource and applies the failure's consequences.
func (r *Runner) abort(ctx context.Context, rs *runState, cause error) {
	// Cleanup must finish even when the run itself was cancelled.
	cleanupCtx := context.WithoutCancel(ctx)

	if rs.source != nil {
		rs.source.Close()
		rs.source = nil
	}
	if rs.sink != nil {
		if err := rs.sink.Close(); err != nil {
			rs.log.Debug("Closing partial output failed", "error", err)
		}
		rs.sink = nil
	}
	if rs.sinkOpened && rs.partialPath != "" {
		if rs.settings.RemovePartialOutput {
			if err := os.Remove(rs.partialPath); err != nil && !os.IsNotExist(err) {
				rs.log.Warn("Failed to remove partial output", "path", rs.partialPath, "error", err)
			}
		} else if _, err := os.Stat(rs.partialPath); err == nil {
			rs.res.PartialPath = rs.partialPath
		}
	}

	if removesItem(cause) {
		if _, err := r.library.Remove(cleanupCtx, rs.res.Item.ID); err != nil {
			rs.log.Warn("Failed to remove video after abort", "error", err)
		} else {
			rs.res.ItemRemoved = true
		}
	}

	rs.res.Err = cause
	rs.res.Alert = alertFor(cause)
	r.setState(rs, StateAborted)

	rs.log.Error("Run aborted", "error", cause, "item_removed", rs.res.ItemRemoved)
	r.publish(service.EventTypeRunAborted, map[string]interface{}{
		"run_id":       rs.res.RunID,
		"video_id":     rs.res.Item.ID,
		"error":        cause.Error(),
		"alert":        rs.res.Alert,
		"item_removed": rs.res.ItemRemoved,
	})
}

func (r *Runner) record(ctx context.Context, rs *runState) {
	if r.runs == nil {
		return
	}
	finished := rs.started.Add(rs.res.Duration)
	rec := store.RunRecord{
		ID:          rs.res.RunID,
		VideoID:     rs.res.Item.ID,
		SourcePath:  rs.res.Item.OriginalPath,
		OutputPath:  rs.res.OutputPath,
		State:       string(rs.res.State),
		Frames:      rs.res.Frames,
		Submissions: rs.res.Submissions,
		TimeCodes:   len(rs.res.TimeCodes),
		StartedAt:   rs.started,
		FinishedAt:  &finished,
	}
	if rs.res.Err != nil {
		rec.Error = rs.res.Err.Error()
	}
	if err := r.runs.SaveRun(context.WithoutCancel(ctx), rec); err != nil {
		rs.log.Warn("Failed to record run", "error", err)
	}
}

func (r *Runner) setState(rs *runState, state State) {
	rs.res.State = state

	r.mu.Lock()
	r.status.State = state
	if rs.res.Err != nil {
		r.status.Error = rs.res.Err.Error()
	}
	r.mu.Unlock()

	rs.log.Debug("Run state changed", "state", state)
	r.publish(service.EventTypeRunState, map[string]interface{}{
		"run_id":   rs.res.RunID,
		"video_id": rs.res.Item.ID,
		"state":    string(state),
	})
}

func (r *Runner) updateProgress(rs *runState) {
	r.mu.Lock()
	r.status.Frames = rs.res.Frames
	r.status.Submissions = rs.res.Submissions
	r.status.TimeCodes = len(rs.res.TimeCodes)
	r.mu.Unlock()
}

func (r *Runner) publish(t service.EventType, data map[string]interface{}) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(service.Event{
		Type:      t,
		Source:    r.Name(),
		Timestamp: time.Now(),
		Data:      data,
	})
}

func tcFloats(tcs []tracker.TimeCode) []float64 {
	out := make([]float64, len(tcs))
	for i, tc := range tcs {
		out[i] = float64(tc)
	}
	return out
}
