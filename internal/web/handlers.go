package web

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/vzahanych/fallwatch/internal/health"
	"github.com/vzahanych/fallwatch/internal/library"
	"github.com/vzahanych/fallwatch/internal/pipeline"
)

// handleHealth handles the health check endpoint
func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.Health != nil {
		report := s.deps.Health.Check(c.Request.Context())
		code := http.StatusOK
		if report.Status == health.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, report)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": s.Name(),
	})
}

// handleStatus reports connectivity, the current run and library size
func (s *Server) handleStatus(c *gin.Context) {
	uptime := time.Since(s.startTime)

	resp := gin.H{
		"version":        s.version,
		"uptime":         uptime.String(),
		"uptime_seconds": int64(uptime.Seconds()),
		"videos":         s.deps.Library.Len(),
		"busy":           s.deps.Runner.Busy(),
		"run":            s.deps.Runner.Status(),
		"timestamp":      time.Now().Format(time.RFC3339),
	}
	if s.deps.Connectivity != nil {
		resp["connected"] = s.deps.Connectivity.Connected()
	}
	if sel, ok := s.deps.Library.Selected(); ok {
		resp["selected"] = sel.ID
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListVideos(c *gin.Context) {
	items := s.deps.Library.List()
	selected := ""
	if sel, ok := s.deps.Library.Selected(); ok {
		selected = sel.ID
	}

	c.JSON(http.StatusOK, gin.H{
		"videos":   items,
		"count":    len(items),
		"selected": selected,
	})
}

// handleAddVideo opens a video file by path. The file must exist and yield a
// thumbnail, otherwise it is rejected without touching the library.
func (s *Server) handleAddVideo(c *gin.Context) {
	var req struct {
		Path string `json:"path" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	if st, err := os.Stat(req.Path); err != nil || st.IsDir() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Cannot open %s", req.Path)})
		return
	}

	var thumb []byte
	if s.deps.Frames != nil {
		var err error
		thumb, err = s.deps.Frames.Thumbnail(c.Request.Context(), req.Path)
		if err != nil {
			s.LogWarn("Thumbnail extraction failed", "path", req.Path, "error", err)
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": fmt.Sprintf("%s is not a readable video", req.Path)})
			return
		}
	}

	item, err := s.deps.Library.Add(c.Request.Context(), req.Path, thumb)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, item)
}

func (s *Server) handleGetVideo(c *gin.Context) {
	item, ok := s.deps.Library.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Video not found"})
		return
	}
	c.JSON(http.StatusOK, item)
}

// handleDeleteVideo removes an item unless it is being processed
func (s *Server) handleDeleteVideo(c *gin.Context) {
	selected, err := s.deps.Runner.RemoveIdle(c.Request.Context(), c.Param("id"))
	if errors.Is(err, pipeline.ErrBusy) {
		c.JSON(http.StatusConflict, gin.H{"error": "Video is being processed"})
		return
	}
	if err != nil {
		s.libraryError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"selected": selected})
}

func (s *Server) handleSelectVideo(c *gin.Context) {
	if err := s.deps.Library.Select(c.Request.Context(), c.Param("id")); err != nil {
		s.libraryError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"selected": c.Param("id")})
}

// handleToggleVideo switches between the original and processed variant
func (s *Server) handleToggleVideo(c *gin.Context) {
	item, err := s.deps.Library.Toggle(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.libraryError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"video":        item,
		"current_path": item.CurrentPath(),
	})
}

// handleProcessVideo starts a background run; progress arrives on /api/events
func (s *Server) handleProcessVideo(c *gin.Context) {
	item, ok := s.deps.Library.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Video not found"})
		return
	}

	runID, err := s.deps.Runner.RunAsync(item, s.deps.Settings())
	if errors.Is(err, pipeline.ErrBusy) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if errors.Is(err, library.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Video not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"run_id":   runID,
		"video_id": item.ID,
	})
}

func (s *Server) handleThumbnail(c *gin.Context) {
	item, ok := s.deps.Library.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Video not found"})
		return
	}
	if len(item.Thumbnail) == 0 {
		c.Status(http.StatusNoContent)
		return
	}
	c.Data(http.StatusOK, "image/jpeg", item.Thumbnail)
}

func (s *Server) handleTimeCodes(c *gin.Context) {
	item, ok := s.deps.Library.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Video not found"})
		return
	}

	entries := make([]gin.H, 0, len(item.TimeCodes))
	for _, tc := range item.TimeCodes {
		seconds := float64(tc)
		entries = append(entries, gin.H{
			"seconds": seconds,
			"label":   (time.Duration(seconds * float64(time.Second))).Truncate(10 * time.Millisecond).String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"video_id":  item.ID,
		"timecodes": entries,
	})
}

// handleFrameAt renders the displayed variant at ?t=<seconds>, which is how
// a timecode is jumped to
func (s *Server) handleFrameAt(c *gin.Context) {
	if s.deps.Frames == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Frame extraction not available"})
		return
	}

	item, ok := s.deps.Library.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Video not found"})
		return
	}

	seconds, err := strconv.ParseFloat(c.DefaultQuery("t", "0"), 64)
	if err != nil || seconds < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "t must be a non-negative number of seconds"})
		return
	}

	offset := time.Duration(seconds * float64(time.Second))
	data, err := s.deps.Frames.ExtractJPEG(c.Request.Context(), item.CurrentPath(), offset, 0, 0)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "image/jpeg", data)
}

func (s *Server) handleListRuns(c *gin.Context) {
	if s.deps.Runs == nil {
		c.JSON(http.StatusOK, gin.H{"runs": []interface{}{}, "count": 0})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}

	runs, err := s.deps.Runs.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]gin.H, 0, len(runs))
	for _, r := range runs {
		entry := gin.H{
			"id":          r.ID,
			"video_id":    r.VideoID,
			"source_path": r.SourcePath,
			"output_path": r.OutputPath,
			"state":       r.State,
			"frames":      r.Frames,
			"submissions": r.Submissions,
			"timecodes":   r.TimeCodes,
			"started_at":  r.StartedAt.Format(time.RFC3339),
		}
		if r.Error != "" {
			entry["error"] = r.Error
		}
		if r.FinishedAt != nil {
			entry["finished_at"] = r.FinishedAt.Format(time.RFC3339)
		}
		out = append(out, entry)
	}

	c.JSON(http.StatusOK, gin.H{"runs": out, "count": len(out)})
}

func (s *Server) handleCurrentRun(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"busy":   s.deps.Runner.Busy(),
		"status": s.deps.Runner.Status(),
	})
}

func (s *Server) handleCancelRun(c *gin.Context) {
	if !s.deps.Runner.Cancel() {
		c.JSON(http.StatusConflict, gin.H{"error": "No run in progress"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

// handlePreview returns the latest annotated frame
func (s *Server) handlePreview(c *gin.Context) {
	if s.deps.Preview == nil {
		c.Status(http.StatusNoContent)
		return
	}
	data, index, ok := s.deps.Preview.Latest()
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.Header("X-Frame-Index", strconv.Itoa(index))
	if updated := s.deps.Preview.Updated(); !updated.IsZero() {
		c.Header("Last-Modified", updated.UTC().Format(http.TimeFormat))
	}
	c.Data(http.StatusOK, "image/jpeg", data)
}

// previewPoll is how often the MJPEG stream looks for a new frame
const previewPoll = 50 * time.Millisecond

// handlePreviewStream streams the annotated frames as MJPEG
func (s *Server) handlePreviewStream(c *gin.Context) {
	if s.deps.Preview == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Preview not available"})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Streaming not supported"})
		return
	}

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=--frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Pragma", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(previewPoll)
	defer ticker.Stop()

	var lastSeq uint64
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-s.ctx.Done():
			return false
		case <-ticker.C:
		}

		seq := s.deps.Preview.Seq()
		frame, _, ok := s.deps.Preview.Latest()
		if !ok || seq == lastSeq {
			return true
		}
		lastSeq = seq

		fmt.Fprintf(w, "--frame\r\n")
		fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
		fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(frame))
		if _, err := w.Write(frame); err != nil {
			return false
		}
		fmt.Fprintf(w, "\r\n")
		flusher.Flush()
		return true
	})
}

func (s *Server) libraryError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, library.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Video not found"})
	case errors.Is(err, library.ErrNotProcessed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
