package video

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vzahanych/fallwatch/internal/logger"
)

func setupTestFFmpeg(t *testing.T) *FFmpegWrapper {
	log := logger.NewNopLogger()
	ffmpeg, err := NewFFmpegWrapper(log)
	if err != nil {
		t.Skipf("FFmpeg not available, skipping test: %v", err)
	}
	return ffmpeg
}

// makeTestVideo renders a short synthetic clip with ffmpeg's testsrc.
func makeTestVideo(t *testing.T, ffmpeg *FFmpegWrapper, seconds, fps int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.mp4")
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "lavfi",
		"-i", "testsrc=size=64x48:rate=" + strconv.Itoa(fps) + ":duration=" + strconv.Itoa(seconds),
		"-c:v", "mpeg4",
		path,
	}
	out, err := ffmpeg.BuildCommand(context.Background(), args).CombinedOutput()
	if err != nil {
		t.Skipf("cannot render test clip: %v: %s", err, out)
	}
	return path
}

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"25/1", 25},
		{"30000/1001", 30000.0 / 1001.0},
		{"24", 24},
		{"0/0", 0},
	}
	for _, tt := range tests {
		got, err := parseFrameRate(tt.in)
		require.NoError(t, err, tt.in)
		assert.InDelta(t, tt.want, got, 1e-9, tt.in)
	}

	_, err := parseFrameRate("abc")
	assert.Error(t, err)
}

func TestParseProbeOutput(t *testing.T) {
	info, err := parseProbeOutput([]byte(`{"streams":[{"width":640,"height":360,"r_frame_rate":"30/1","avg_frame_rate":"0/0","nb_frames":"90"}]}`))
	require.NoError(t, err)
	assert.Equal(t, 640, info.Width)
	assert.Equal(t, 360, info.Height)
	assert.Equal(t, 30.0, info.FPS)
	assert.Equal(t, 90, info.NumFrames)

	_, err = parseProbeOutput([]byte(`{"streams":[]}`))
	assert.Error(t, err)

	_, err = parseProbeOutput([]byte(`{"streams":[{"width":640,"height":360,"r_frame_rate":"0/0","avg_frame_rate":"0/0"}]}`))
	assert.Error(t, err)
}

func TestParseProbeOutput_Rotation(t *testing.T) {
	// Phone footage: coded landscape, displayed portrait via the display matrix.
	info, err := parseProbeOutput([]byte(`{"streams":[{"width":1920,"height":1080,"r_frame_rate":"30/1","avg_frame_rate":"30/1",
		"side_data_list":[{"side_data_type":"Display Matrix","displaymatrix":"...","rotation":-90}]}]}`))
	require.NoError(t, err)
	assert.Equal(t, 1080, info.Width)
	assert.Equal(t, 1920, info.Height)
	assert.Equal(t, 270, info.Rotation)

	// Older muxers store it as a tag.
	info, err = parseProbeOutput([]byte(`{"streams":[{"width":640,"height":360,"r_frame_rate":"25/1","tags":{"rotate":"90"}}]}`))
	require.NoError(t, err)
	assert.Equal(t, 360, info.Width)
	assert.Equal(t, 640, info.Height)
	assert.Equal(t, 90, info.Rotation)

	info, err = parseProbeOutput([]byte(`{"streams":[{"width":640,"height":360,"r_frame_rate":"25/1","tags":{"rotate":"180"}}]}`))
	require.NoError(t, err)
	assert.Equal(t, 640, info.Width)
	assert.Equal(t, 360, info.Height)
	assert.Equal(t, 180, info.Rotation)
}

func TestEncoderFor(t *testing.T) {
	assert.Equal(t, "mpeg4", EncoderFor("mpeg4"))
	assert.Equal(t, "mpeg4", EncoderFor("xvid"))
	assert.Equal(t, "libx264", EncoderFor("h264"))
}

func TestPackedPixels_SubImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 9, A: 255})
	sub := img.SubImage(image.Rect(1, 1, 3, 3)).(*image.RGBA)

	pix := packedPixels(sub)
	require.Len(t, pix, 2*2*4)
	assert.Equal(t, byte(9), pix[0])

	assert.Equal(t, img.Pix, packedPixels(img))
}

func TestFFmpegOpener_MissingSourceIsOpenError(t *testing.T) {
	ffmpeg := setupTestFFmpeg(t)
	opener := NewFFmpegOpener(ffmpeg, FFmpegOpenerConfig{}, logger.NewNopLogger())

	_, err := opener.OpenSource(context.Background(), filepath.Join(t.TempDir(), "missing.mp4"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOpen))
}

func TestFFmpegOpener_SinkMissingDirIsOpenError(t *testing.T) {
	ffmpeg := setupTestFFmpeg(t)
	opener := NewFFmpegOpener(ffmpeg, FFmpegOpenerConfig{}, logger.NewNopLogger())

	_, err := opener.OpenSink(context.Background(), filepath.Join(t.TempDir(), "nope", "out.avi"), 25, 64, 48)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOpen))
}

func TestFFmpegOpener_RoundTrip(t *testing.T) {
	ffmpeg := setupTestFFmpeg(t)
	src := makeTestVideo(t, ffmpeg, 1, 10)
	opener := NewFFmpegOpener(ffmpeg, FFmpegOpenerConfig{}, logger.NewNopLogger())
	ctx := context.Background()

	source, err := opener.OpenSource(ctx, src)
	require.NoError(t, err)
	defer source.Close()

	assert.Equal(t, 64, source.Width())
	assert.Equal(t, 48, source.Height())
	assert.InDelta(t, 10.0, source.FPS(), 0.01)

	out := filepath.Join(t.TempDir(), "clip-output.avi")
	sink, err := opener.OpenSink(ctx, out, source.FPS(), source.Width(), source.Height())
	require.NoError(t, err)

	count := 0
	for {
		frame, err := source.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, count, frame.Index)
		require.NoError(t, sink.Write(ctx, frame))
		count++
	}
	assert.Equal(t, 10, count)

	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close(), "second close is a no-op")

	info, err := ffmpeg.Probe(ctx, out)
	require.NoError(t, err)
	assert.Equal(t, 64, info.Width)
}

func TestFFmpegWrapper_Thumbnail(t *testing.T) {
	ffmpeg := setupTestFFmpeg(t)
	// A one second clip can end before the offset; the fallback covers that.
	src := makeTestVideo(t, ffmpeg, 1, 5)

	data, err := ffmpeg.Thumbnail(context.Background(), src)
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, ThumbnailWidth, img.Bounds().Dx())
	assert.Equal(t, ThumbnailHeight, img.Bounds().Dy())
}

func TestDetectBinary_NotFound(t *testing.T) {
	if _, err := exec.LookPath("definitely-not-a-binary"); err == nil {
		t.Skip("unexpected binary on PATH")
	}
	_, err := detectBinary("definitely-not-a-binary")
	assert.Error(t, err)
}

func TestFFmpegSink_WriteErrorWhileEncoderLogs(t *testing.T) {
	pr, pw := io.Pipe()
	pr.CloseWithError(errors.New("encoder exited"))

	stderr := &stderrBuffer{}
	sink := &ffmpegSink{path: "out.avi", width: 2, height: 2, stdin: pw, stderr: stderr}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			stderr.Write([]byte("Conversion failed!\n"))
		}
	}()

	err := sink.Write(context.Background(), &Frame{Index: 3, Image: image.NewRGBA(image.Rect(0, 0, 2, 2))})
	wg.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to write frame 3")
	assert.Contains(t, stderr.String(), "Conversion failed!")
}
