package pipeline

import (
	"context"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vzahanych/fallwatch/internal/detection"
	"github.com/vzahanych/fallwatch/internal/library"
	"github.com/vzahanych/fallwatch/internal/logger"
	"github.com/vzahanych/fallwatch/internal/service"
	"github.com/vzahanych/fallwatch/internal/store"
	"github.com/vzahanych/fallwatch/internal/tracker"
	"github.com/vzahanych/fallwatch/internal/video"
)

type fakeSource struct {
	fps       float64
	w, h      int
	frames    int
	nextCalls int
	failAt    int
	closed    bool
}

func (s *fakeSource) FPS() float64 { return s.fps }
func (s *fakeSource) Width() int   { return s.w }
func (s *fakeSource) Height() int  { return s.h }

func (s *fakeSource) Next(ctx context.Context) (*video.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	idx := s.nextCalls
	s.nextCalls++
	if s.failAt > 0 && idx == s.failAt {
		return nil, errors.New("corrupt frame")
	}
	if idx >= s.frames {
		return nil, io.EOF
	}
	return &video.Frame{Index: idx, Image: image.NewRGBA(image.Rect(0, 0, s.w, s.h))}, nil
}

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

type fakeSink struct {
	path     string
	written  []*video.Frame
	closed   int
	closeErr error
}

func (s *fakeSink) Write(ctx context.Context, frame *video.Frame) error {
	s.written = append(s.written, frame)
	return nil
}

func (s *fakeSink) Close() error {
	s.closed++
	return s.closeErr
}

type fakeOpener struct {
	source     *fakeSource
	sink       *fakeSink
	sourceErr  error
	sinkErr    error
	closeErr   error
	sourceOpen int
	sinkOpen   int
}

func (o *fakeOpener) OpenSource(ctx context.Context, path string) (video.Source, error) {
	o.sourceOpen++
	if o.sourceErr != nil {
		return nil, o.sourceErr
	}
	return o.source, nil
}

func (o *fakeOpener) OpenSink(ctx context.Context, path string, fps float64, width, height int) (video.Sink, error) {
	o.sinkOpen++
	if o.sinkErr != nil {
		return nil, o.sinkErr
	}
	if err := os.WriteFile(path, []byte("partial"), 0o644); err != nil {
		return nil, err
	}
	o.sink = &fakeSink{path: path, closeErr: o.closeErr}
	return o.sink, nil
}

type fakeDetector struct {
	healthErr error
	resetErr  error
	health    func(ctx context.Context) error
	submit    func(ctx context.Context, call int) ([]detection.Detection, error)
	calls     atomic.Int32
	labels    []string
	mu        sync.Mutex
}

func (d *fakeDetector) HealthCheck(ctx context.Context) error {
	if d.health != nil {
		return d.health(ctx)
	}
	return d.healthErr
}

func (d *fakeDetector) ResetTracking(ctx context.Context) error {
	return d.resetErr
}

func (d *fakeDetector) Submit(ctx context.Context, img image.Image, label string) ([]detection.Detection, error) {
	d.mu.Lock()
	d.labels = append(d.labels, label)
	d.mu.Unlock()
	call := int(d.calls.Add(1))
	if d.submit == nil {
		return []detection.Detection{}, nil
	}
	return d.submit(ctx, call)
}

type fakeRuns struct {
	mu      sync.Mutex
	records []store.RunRecord
}

func (f *fakeRuns) SaveRun(ctx context.Context, r store.RunRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
	return nil
}

type fixture struct {
	runner   *Runner
	opener   *fakeOpener
	detector *fakeDetector
	lib      *library.Library
	runs     *fakeRuns
	item     library.VideoItem
	settings Settings
}

func newFixture(t *testing.T, frames int) *fixture {
	t.Helper()
	log := logger.NewNopLogger()
	lib := library.New(nil, nil, log)
	item, err := lib.Add(context.Background(), "/videos/fall.mp4", nil)
	require.NoError(t, err)

	f := &fixture{
		opener:   &fakeOpener{source: &fakeSource{fps: 10, w: 64, h: 48, frames: frames}},
		detector: &fakeDetector{},
		lib:      lib,
		runs:     &fakeRuns{},
		item:     item,
		settings: Settings{
			FrameSendingDelay: 0.5,
			OutputDir:         t.TempDir(),
			Container:         "avi",
			Triggers:          tracker.DefaultTriggers,
		},
	}
	f.runner = NewRunner(RunnerConfig{
		Opener:    f.opener,
		Detectors: NewDetectorHolder(f.detector),
		Library:   lib,
		Runs:      f.runs,
		Preview:   NewPreview(1000),
	}, log)
	return f
}

func person(id int, label string) []detection.Detection {
	return []detection.Detection{{ObjectID: id, ClassName: label, XTL: 4, YTL: 10, XBR: 30, YBR: 40}}
}

func TestRunner_SuccessUpdatesLibrary(t *testing.T) {
	f := newFixture(t, 10)
	f.detector.submit = func(ctx context.Context, call int) ([]detection.Detection, error) {
		if call == 1 {
			return person(1, "Standing"), nil
		}
		return person(1, "Lying"), nil
	}

	res, err := f.runner.Run(context.Background(), f.item, f.settings)
	require.NoError(t, err)

	assert.Equal(t, StateSuccess, res.State)
	assert.Equal(t, 10, res.Frames)
	assert.Equal(t, 2, res.Submissions, "frames 0 and 5 are sampled")
	assert.Equal(t, []tracker.TimeCode{0.5}, res.TimeCodes)

	expectedOut := filepath.Join(f.settings.OutputDir, "fall.mp4-output.avi")
	assert.Equal(t, expectedOut, res.OutputPath)

	assert.FileExists(t, expectedOut)
	assert.NotEqual(t, expectedOut, f.opener.sink.path, "frames go to a run-scoped file first")
	assert.NoFileExists(t, f.opener.sink.path)
	assert.Empty(t, res.PartialPath)

	item, ok := f.lib.Get(f.item.ID)
	require.True(t, ok)
	assert.Equal(t, expectedOut, item.ProcessedPath)
	assert.True(t, item.ShowingProcessed)
	assert.Equal(t, []tracker.TimeCode{0.5}, item.TimeCodes)
	assert.Equal(t, item, res.Item)

	assert.True(t, f.opener.source.closed)
	require.NotNil(t, f.opener.sink)
	assert.Equal(t, 1, f.opener.sink.closed)
	require.Len(t, f.opener.sink.written, 10)

	// Boxes are drawn on every frame, including unsampled ones.
	last := f.opener.sink.written[9].Image
	assert.Equal(t, color.RGBA{R: 255, G: 255, A: 255}, last.RGBAAt(4, 25))

	assert.Equal(t, []string{"/videos/fall.mp4", "/videos/fall.mp4"}, f.detector.labels)

	require.Len(t, f.runs.records, 1)
	assert.Equal(t, "success", f.runs.records[0].State)
	assert.Equal(t, 1, f.runs.records[0].TimeCodes)

	_, idx, ok := f.runner.preview.Latest()
	assert.True(t, ok)
	assert.GreaterOrEqual(t, idx, 0)
	assert.False(t, f.runner.Busy())
	assert.Equal(t, StateSuccess, f.runner.Status().State)
}

func TestRunner_HealthFailureKeepsItem(t *testing.T) {
	f := newFixture(t, 10)
	f.detector.healthErr = errors.New("connection refused")

	for i := 0; i < 3; i++ {
		res, err := f.runner.Run(context.Background(), f.item, f.settings)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrConnectivity))
		assert.Equal(t, StateAborted, res.State)
		assert.False(t, res.ItemRemoved)
		assert.Equal(t, "Cannot connect to the detection service", res.Alert)
	}

	assert.Zero(t, f.opener.sourceOpen, "no file is opened")
	assert.Zero(t, f.opener.sinkOpen)
	assert.Zero(t, f.detector.calls.Load())
	_, ok := f.lib.Get(f.item.ID)
	assert.True(t, ok)
}

func TestRunner_ResetFailureIsAdvisory(t *testing.T) {
	f := newFixture(t, 3)
	f.detector.resetErr = errors.New("404")

	res, err := f.runner.Run(context.Background(), f.item, f.settings)
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, res.State)
}

func TestRunner_SourceOpenFailureRemovesItem(t *testing.T) {
	f := newFixture(t, 10)
	f.opener.sourceErr = errors.Mark(errors.New("no such file"), video.ErrOpen)

	res, err := f.runner.Run(context.Background(), f.item, f.settings)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOpen))
	assert.True(t, res.ItemRemoved)
	assert.Zero(t, f.opener.sinkOpen)

	_, ok := f.lib.Get(f.item.ID)
	assert.False(t, ok)
}

func TestRunner_SinkOpenFailureClosesSource(t *testing.T) {
	f := newFixture(t, 10)
	f.opener.sinkErr = errors.New("encoder unavailable")

	res, err := f.runner.Run(context.Background(), f.item, f.settings)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOpen))
	assert.True(t, res.ItemRemoved)

	assert.True(t, f.opener.source.closed)
	assert.Zero(t, f.opener.source.nextCalls, "no frame is read")
	assert.Zero(t, f.detector.calls.Load())
}

func TestRunner_SubmissionFailureAborts(t *testing.T) {
	f := newFixture(t, 10)
	f.settings.RemovePartialOutput = true
	f.detector.submit = func(ctx context.Context, call int) ([]detection.Detection, error) {
		if call == 2 {
			return nil, errors.Mark(errors.New("gave up after 5 attempts"), detection.ErrSubmission)
		}
		return person(1, "Standing"), nil
	}

	res, err := f.runner.Run(context.Background(), f.item, f.settings)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSubmission))
	assert.Equal(t, StateAborted, res.State)
	assert.True(t, res.ItemRemoved)
	assert.Equal(t, 5, res.Frames, "frames before the failed candidate were written")

	assert.True(t, f.opener.source.closed)
	assert.Equal(t, 1, f.opener.sink.closed)
	assert.NoFileExists(t, res.OutputPath)
	assert.NoFileExists(t, f.opener.sink.path)
	assert.Empty(t, res.PartialPath)

	_, ok := f.lib.Get(f.item.ID)
	assert.False(t, ok)

	require.Len(t, f.runs.records, 1)
	assert.Equal(t, "aborted", f.runs.records[0].State)
	assert.NotEmpty(t, f.runs.records[0].Error)
}

func TestRunner_PartialOutputKeptByDefault(t *testing.T) {
	f := newFixture(t, 10)
	f.opener.source.failAt = 3

	res, err := f.runner.Run(context.Background(), f.item, f.settings)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFrameIO))
	assert.Equal(t, f.opener.sink.path, res.PartialPath)
	assert.FileExists(t, res.PartialPath)
	assert.NoFileExists(t, res.OutputPath, "an unfinished file never takes the output name")
	assert.Equal(t, 1, f.opener.sink.closed)
	assert.True(t, f.opener.source.closed)
}

func TestRunner_FinalizeFailureRemovesPartialOutput(t *testing.T) {
	f := newFixture(t, 4)
	f.settings.RemovePartialOutput = true
	f.opener.closeErr = errors.New("moov atom not written")

	res, err := f.runner.Run(context.Background(), f.item, f.settings)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFrameIO))
	assert.Equal(t, 4, res.Frames)
	assert.NoFileExists(t, f.opener.sink.path)
	assert.NoFileExists(t, res.OutputPath)

	_, ok := f.lib.Get(f.item.ID)
	assert.False(t, ok)
}

func TestRunner_AbortedRerunKeepsPreviousOutput(t *testing.T) {
	f := newFixture(t, 10)
	_, err := f.runner.Run(context.Background(), f.item, f.settings)
	require.NoError(t, err)

	done, ok := f.lib.Get(f.item.ID)
	require.True(t, ok)
	require.NotEmpty(t, done.ProcessedPath)
	require.NoError(t, os.WriteFile(done.ProcessedPath, []byte("finished"), 0o644))

	f.opener.source = &fakeSource{fps: 10, w: 64, h: 48, frames: 10}
	f.settings.RemovePartialOutput = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.detector.submit = func(ctx context.Context, call int) ([]detection.Detection, error) {
		cancel()
		return nil, ctx.Err()
	}

	res, err := f.runner.Run(ctx, done, f.settings)
	require.Error(t, err)
	assert.Equal(t, StateAborted, res.State)
	assert.False(t, res.ItemRemoved)

	item, ok := f.lib.Get(f.item.ID)
	require.True(t, ok)
	assert.Equal(t, done.ProcessedPath, item.ProcessedPath)
	assert.True(t, item.ShowingProcessed)

	data, err := os.ReadFile(item.ProcessedPath)
	require.NoError(t, err)
	assert.Equal(t, "finished", string(data))
	assert.NoFileExists(t, f.opener.sink.path)
}

func TestRunner_SameBaseNameGetsSeparateOutputs(t *testing.T) {
	f := newFixture(t, 3)
	_, err := f.runner.Run(context.Background(), f.item, f.settings)
	require.NoError(t, err)

	other, err := f.lib.Add(context.Background(), "/archive/fall.mp4", nil)
	require.NoError(t, err)
	f.opener.source = &fakeSource{fps: 10, w: 64, h: 48, frames: 3}

	res, err := f.runner.Run(context.Background(), other, f.settings)
	require.NoError(t, err)

	first, _ := f.lib.Get(f.item.ID)
	second, _ := f.lib.Get(other.ID)
	assert.NotEqual(t, first.ProcessedPath, second.ProcessedPath)
	assert.Equal(t, f.settings.ItemOutputPath(other.OriginalPath, other.ID), res.OutputPath)
	assert.FileExists(t, first.ProcessedPath)
	assert.FileExists(t, second.ProcessedPath)
}

func TestRunner_CancelKeepsItem(t *testing.T) {
	f := newFixture(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.detector.submit = func(ctx context.Context, call int) ([]detection.Detection, error) {
		cancel()
		return nil, ctx.Err()
	}

	res, err := f.runner.Run(ctx, f.item, f.settings)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, res.ItemRemoved)
	assert.Equal(t, "Processing was cancelled", res.Alert)

	_, ok := f.lib.Get(f.item.ID)
	assert.True(t, ok)
}

func TestRunner_BusyRejectsSecondRun(t *testing.T) {
	f := newFixture(t, 3)
	entered := make(chan struct{})
	release := make(chan struct{})
	f.detector.health = func(ctx context.Context) error {
		close(entered)
		<-release
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.runner.Run(context.Background(), f.item, f.settings)
		done <- err
	}()

	<-entered
	assert.True(t, f.runner.Busy())

	_, err := f.runner.Run(context.Background(), f.item, f.settings)
	assert.True(t, errors.Is(err, ErrBusy))
	_, err = f.runner.RunAsync(f.item, f.settings)
	assert.True(t, errors.Is(err, ErrBusy))

	close(release)
	require.NoError(t, <-done)
	assert.False(t, f.runner.Busy())
}

func TestRunner_RunAsyncStopsWithService(t *testing.T) {
	f := newFixture(t, 3)
	entered := make(chan struct{})
	f.detector.health = func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}

	require.NoError(t, f.runner.Start(context.Background()))
	runID, err := f.runner.RunAsync(f.item, f.settings)
	require.NoError(t, err)
	assert.NotEmpty(t, runID)
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.runner.Stop(ctx))

	assert.False(t, f.runner.Busy())
	assert.Equal(t, StateAborted, f.runner.Status().State)
	assert.Equal(t, runID, f.runner.Status().RunID)
}

func TestRunner_PublishesRunEvents(t *testing.T) {
	f := newFixture(t, 10)
	bus := service.NewEventBus(50)
	f.runner.SetEventBus(bus)
	events := bus.SubscribeAll()
	f.detector.submit = func(ctx context.Context, call int) ([]detection.Detection, error) {
		if call == 1 {
			return person(3, "Standing"), nil
		}
		return person(3, "Lying"), nil
	}

	_, err := f.runner.Run(context.Background(), f.item, f.settings)
	require.NoError(t, err)

	var got []string
	for len(events) > 0 {
		ev := <-events
		name := string(ev.Type)
		if ev.Type == service.EventTypeRunState {
			name += ":" + ev.Data["state"].(string)
		}
		got = append(got, name)
	}
	assert.Equal(t, []string{
		"run.started",
		"run.state:connecting",
		"run.state:processing",
		"run.timecode",
		"run.state:success",
		"run.succeeded",
	}, got)
}

func TestSettings_OutputPath(t *testing.T) {
	s := Settings{OutputDir: "/tmp/out"}
	assert.Equal(t, "/tmp/out/clip.mov-output.avi", s.OutputPath("/home/user/clip.mov"))

	s.Container = "mp4"
	assert.Equal(t, "/tmp/out/clip.mov-output.mp4", s.OutputPath("clip.mov"))
	assert.Equal(t, "/tmp/out/clip.mov-1a2b3c4d-output.mp4", s.ItemOutputPath("clip.mov", "1a2b3c4d-0000-0000"))
}

func TestPartialPath(t *testing.T) {
	assert.Equal(t, "/tmp/out/clip.mov-output.9f8e7d6c.part.avi",
		PartialPath("/tmp/out/clip.mov-output.avi", "9f8e7d6c-1111-2222"))
}

func TestRunner_RemoveIdleRejectsVideoInProgress(t *testing.T) {
	f := newFixture(t, 3)
	other, err := f.lib.Add(context.Background(), "/videos/other.mp4", nil)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.detector.health = func(ctx context.Context) error {
		close(entered)
		<-release
		return nil
	}

	runID, err := f.runner.RunAsync(f.item, f.settings)
	require.NoError(t, err)
	require.NotEmpty(t, runID)
	<-entered

	_, err = f.runner.RemoveIdle(context.Background(), f.item.ID)
	assert.True(t, errors.Is(err, ErrBusy))
	_, ok := f.lib.Get(f.item.ID)
	assert.True(t, ok)

	_, err = f.runner.RemoveIdle(context.Background(), other.ID)
	require.NoError(t, err)

	close(release)
	assert.Eventually(t, func() bool { return !f.runner.Busy() }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateSuccess, f.runner.Status().State)

	_, err = f.runner.RemoveIdle(context.Background(), f.item.ID)
	require.NoError(t, err)
}

func TestRunner_RemovedVideoIsNotAdmitted(t *testing.T) {
	f := newFixture(t, 3)
	_, err := f.runner.RemoveIdle(context.Background(), f.item.ID)
	require.NoError(t, err)

	res, err := f.runner.Run(context.Background(), f.item, f.settings)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, library.ErrNotFound))

	_, err = f.runner.RunAsync(f.item, f.settings)
	assert.True(t, errors.Is(err, library.ErrNotFound))

	assert.False(t, f.runner.Busy())
	assert.Zero(t, f.opener.sourceOpen)
	assert.Empty(t, f.runs.records)
}
