// Package library holds the ordered collection of videos the user opened.
package library

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/vzahanych/fallwatch/internal/logger"
	"github.com/vzahanych/fallwatch/internal/service"
	"github.com/vzahanych/fallwatch/internal/store"
	"github.com/vzahanych/fallwatch/internal/tracker"
)

var (
	ErrNotFound     = errors.New("video not found")
	ErrNotProcessed = errors.New("video has no processed output")
)

const selectedKey = "library.selected"

// VideoItem is one opened video. ProcessedPath stays empty until a run has
// finalized its output.
type VideoItem struct {
	ID               string             `json:"id"`
	Thumbnail        []byte             `json:"-"`
	OriginalPath     string             `json:"original_path"`
	ProcessedPath    string             `json:"processed_path,omitempty"`
	ShowingProcessed bool               `json:"showing_processed"`
	TimeCodes        []tracker.TimeCode `json:"timecodes"`
}

// CurrentPath is the variant being displayed.
func (v VideoItem) CurrentPath() string {
	if v.ShowingProcessed && v.ProcessedPath != "" {
		return v.ProcessedPath
	}
	return v.OriginalPath
}

// Persister is the storage the library writes through to.
type Persister interface {
	SaveVideo(ctx context.Context, v store.VideoRecord) error
	DeleteVideo(ctx context.Context, id string) error
	AppendTimeCodes(ctx context.Context, videoID string, seconds []float64) error
	ListVideos(ctx context.Context) ([]store.VideoRecord, error)
	SaveSystemState(ctx context.Context, key, value string) error
	GetSystemState(ctx context.Context, key string) (string, error)
}

// Library is safe for concurrent use. Items handed out are copies.
type Library struct {
	persist  Persister
	bus      *service.EventBus
	logger   *logger.Logger
	mu       sync.RWMutex
	items    []*VideoItem
	position map[string]int
	nextPos  int
	selected string
}

// New creates a library. persist and bus may be nil.
func New(persist Persister, bus *service.EventBus, log *logger.Logger) *Library {
	return &Library{
		persist:  persist,
		bus:      bus,
		logger:   log,
		position: make(map[string]int),
	}
}

// Load replaces the in-memory collection with the persisted one.
func (l *Library) Load(ctx context.Context) error {
	if l.persist == nil {
		return nil
	}

	records, err := l.persist.ListVideos(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load library")
	}
	selected, err := l.persist.GetSystemState(ctx, selectedKey)
	if err != nil {
		return errors.Wrap(err, "failed to load selection")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.items = l.items[:0]
	l.position = make(map[string]int, len(records))
	l.nextPos = 0
	for _, r := range records {
		item := &VideoItem{
			ID:               r.ID,
			Thumbnail:        r.Thumbnail,
			OriginalPath:     r.OriginalPath,
			ProcessedPath:    r.ProcessedPath,
			ShowingProcessed: r.ShowingProcessed && r.ProcessedPath != "",
		}
		for _, s := range r.TimeCodes {
			item.TimeCodes = append(item.TimeCodes, tracker.TimeCode(s))
		}
		l.items = append(l.items, item)
		l.position[r.ID] = r.Position
		if r.Position >= l.nextPos {
			l.nextPos = r.Position + 1
		}
	}

	l.selected = ""
	if l.indexOf(selected) >= 0 {
		l.selected = selected
	} else if len(l.items) > 0 {
		l.selected = l.items[len(l.items)-1].ID
	}

	l.logger.Info("Library loaded", "videos", len(l.items), "selected", l.selected)
	return nil
}

// Add appends a new item and selects it.
func (l *Library) Add(ctx context.Context, originalPath string, thumbnail []byte) (VideoItem, error) {
	item := &VideoItem{
		ID:           uuid.New().String(),
		Thumbnail:    thumbnail,
		OriginalPath: originalPath,
	}

	l.mu.Lock()
	pos := l.nextPos
	if err := l.save(ctx, item, pos); err != nil {
		l.mu.Unlock()
		return VideoItem{}, err
	}
	l.nextPos++
	l.items = append(l.items, item)
	l.position[item.ID] = pos
	l.selected = item.ID
	l.saveSelection(ctx)
	out := item.clone()
	l.mu.Unlock()

	l.publish(service.EventTypeVideoAdded, map[string]interface{}{"video_id": out.ID, "path": out.OriginalPath})
	l.publish(service.EventTypeVideoSelected, map[string]interface{}{"video_id": out.ID})
	return out, nil
}

// Get returns a copy of an item.
func (l *Library) Get(id string) (VideoItem, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	i := l.indexOf(id)
	if i < 0 {
		return VideoItem{}, false
	}
	return l.items[i].clone(), true
}

// List returns copies of all items in collection order.
func (l *Library) List() []VideoItem {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]VideoItem, len(l.items))
	for i, item := range l.items {
		out[i] = item.clone()
	}
	return out
}

// Len returns the number of items.
func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Selected returns the selected item, if any.
func (l *Library) Selected() (VideoItem, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	i := l.indexOf(l.selected)
	if i < 0 {
		return VideoItem{}, false
	}
	return l.items[i].clone(), true
}

// Select makes id the selected item.
func (l *Library) Select(ctx context.Context, id string) error {
	l.mu.Lock()
	if l.indexOf(id) < 0 {
		l.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "select %s", id)
	}
	l.selected = id
	l.saveSelection(ctx)
	l.mu.Unlock()

	l.publish(service.EventTypeVideoSelected, map[string]interface{}{"video_id": id})
	return nil
}

// Remove deletes an item. When it was selected, the selection falls back
// to the item before it, or the new first item, or nothing. The new
// selection is returned.
func (l *Library) Remove(ctx context.Context, id string) (string, error) {
	l.mu.Lock()
	i := l.indexOf(id)
	if i < 0 {
		l.mu.Unlock()
		return "", errors.Wrapf(ErrNotFound, "remove %s", id)
	}

	if l.persist != nil {
		if err := l.persist.DeleteVideo(ctx, id); err != nil {
			l.logger.Warn("Failed to delete persisted video", "video_id", id, "error", err)
		}
	}

	l.items = append(l.items[:i], l.items[i+1:]...)
	delete(l.position, id)

	changed := false
	if l.selected == id {
		changed = true
		switch {
		case len(l.items) == 0:
			l.selected = ""
		case i > 0:
			l.selected = l.items[i-1].ID
		default:
			l.selected = l.items[0].ID
		}
		l.saveSelection(ctx)
	}
	selected := l.selected
	l.mu.Unlock()

	l.publish(service.EventTypeVideoRemoved, map[string]interface{}{"video_id": id})
	if changed {
		l.publish(service.EventTypeVideoSelected, map[string]interface{}{"video_id": selected})
	}
	return selected, nil
}

// Toggle switches between the original and processed variant. It fails
// with ErrNotProcessed until a run has succeeded.
func (l *Library) Toggle(ctx context.Context, id string) (VideoItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.indexOf(id)
	if i < 0 {
		return VideoItem{}, errors.Wrapf(ErrNotFound, "toggle %s", id)
	}
	item := l.items[i]
	if item.ProcessedPath == "" {
		return VideoItem{}, errors.Wrapf(ErrNotProcessed, "toggle %s", id)
	}

	item.ShowingProcessed = !item.ShowingProcessed
	if err := l.save(ctx, item, l.position[id]); err != nil {
		item.ShowingProcessed = !item.ShowingProcessed
		return VideoItem{}, err
	}
	return item.clone(), nil
}

// CompleteRun records a successful run: the processed output becomes
// visible and the run's timecodes are appended. On a persistence error the
// item is left as it was.
func (l *Library) CompleteRun(ctx context.Context, id, processedPath string, timecodes []tracker.TimeCode) (VideoItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.indexOf(id)
	if i < 0 {
		return VideoItem{}, errors.Wrapf(ErrNotFound, "complete run for %s", id)
	}
	prev := l.items[i]
	pos := l.position[id]

	next := prev.clone()
	next.ProcessedPath = processedPath
	next.ShowingProcessed = true
	next.TimeCodes = append(next.TimeCodes, timecodes...)

	if err := l.save(ctx, &next, pos); err != nil {
		return VideoItem{}, err
	}
	if l.persist != nil && len(timecodes) > 0 {
		secs := make([]float64, len(timecodes))
		for j, tc := range timecodes {
			secs[j] = float64(tc)
		}
		if err := l.persist.AppendTimeCodes(ctx, id, secs); err != nil {
			if rerr := l.save(ctx, prev, pos); rerr != nil {
				l.logger.Warn("Failed to restore persisted video", "video_id", id, "error", rerr)
			}
			return VideoItem{}, errors.Wrap(err, "failed to persist timecodes")
		}
	}

	l.items[i] = &next
	return next.clone(), nil
}

// OutputInUse reports whether an item other than exceptID shows path as
// its processed output.
func (l *Library) OutputInUse(path, exceptID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, item := range l.items {
		if item.ID != exceptID && item.ProcessedPath == path {
			return true
		}
	}
	return false
}

func (l *Library) save(ctx context.Context, item *VideoItem, pos int) error {
	if l.persist == nil {
		return nil
	}
	return l.persist.SaveVideo(ctx, store.VideoRecord{
		ID:               item.ID,
		Position:         pos,
		OriginalPath:     item.OriginalPath,
		ProcessedPath:    item.ProcessedPath,
		ShowingProcessed: item.ShowingProcessed,
		Thumbnail:        item.Thumbnail,
	})
}

func (l *Library) saveSelection(ctx context.Context) {
	if l.persist == nil {
		return
	}
	if err := l.persist.SaveSystemState(ctx, selectedKey, l.selected); err != nil {
		l.logger.Warn("Failed to persist selection", "error", err)
	}
}

func (l *Library) indexOf(id string) int {
	if id == "" {
		return -1
	}
	for i, item := range l.items {
		if item.ID == id {
			return i
		}
	}
	return -1
}

func (l *Library) publish(t service.EventType, data map[string]interface{}) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(service.Event{Type: t, Source: "library", Data: data})
}

func (v *VideoItem) clone() VideoItem {
	out := *v
	out.TimeCodes = append([]tracker.TimeCode(nil), v.TimeCodes...)
	return out
}
