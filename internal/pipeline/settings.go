package pipeline

import (
	"path/filepath"
	"strings"

	"github.com/vzahanych/fallwatch/internal/config"
	"github.com/vzahanych/fallwatch/internal/tracker"
)

// Settings is the configuration snapshot a run works with. Later
// configuration changes do not affect a run in flight.
type Settings struct {
	FrameSendingDelay   float64
	OutputDir           string
	Container           string
	RemovePartialOutput bool
	Triggers            []tracker.Transition
	UpdateOnUntracked   bool
}

// SettingsFromConfig snapshots the run-relevant parts of cfg.
func SettingsFromConfig(cfg *config.Config) Settings {
	triggers := make([]tracker.Transition, len(cfg.Processing.Triggers))
	for i, t := range cfg.Processing.Triggers {
		triggers[i] = tracker.Transition{From: t.From, To: t.To}
	}

	return Settings{
		FrameSendingDelay:   cfg.API.FrameSendingDelay,
		OutputDir:           cfg.OutputDir(),
		Container:           cfg.Processing.Container,
		RemovePartialOutput: cfg.Processing.RemovePartialOutput,
		Triggers:            triggers,
		UpdateOnUntracked:   cfg.Processing.UpdateOnUntrackedTransition,
	}
}

// OutputPath is <dir>/<source base name>-output.<container>.
func (s Settings) OutputPath(sourcePath string) string {
	return filepath.Join(s.OutputDir, filepath.Base(sourcePath)+"-output."+s.container())
}

// ItemOutputPath is OutputPath with the item id folded in, for sources
// whose base name is already taken by another item's output.
func (s Settings) ItemOutputPath(sourcePath, itemID string) string {
	return filepath.Join(s.OutputDir, filepath.Base(sourcePath)+"-"+shortID(itemID)+"-output."+s.container())
}

// PartialPath is where a run writes before its output is finalized. The
// container extension is kept so the encoder picks the same muxer.
func PartialPath(outputPath, runID string) string {
	ext := filepath.Ext(outputPath)
	return strings.TrimSuffix(outputPath, ext) + "." + shortID(runID) + ".part" + ext
}

func (s Settings) container() string {
	if s.Container == "" {
		return "avi"
	}
	return s.Container
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
