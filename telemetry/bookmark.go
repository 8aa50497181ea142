package telemetry

import (
	"fmt"
	"log/slog"
)

// BookmarkType identifies the type of bookmark.
type BookmarkType string

const (
	BookmarkExtinction BookmarkType = "extinction"
	BookmarkFixation   BookmarkType = "fixation"
	BookmarkCrash      BookmarkType = "population_crash"
)

// Bookmark marks a notable moment of a run.
type Bookmark struct {
	Type        BookmarkType
	Step        uint64
	Time        float64
	Description string
}

// LogBookmark logs the bookmark using slog.
func (b Bookmark) LogBookmark(logger *slog.Logger) {
	logger.Info("bookmark",
		"type", string(b.Type),
		"step", b.Step,
		"time", b.Time,
		"description", b.Description,
	)
}

// BookmarkDetector watches the record stream of one run.
type BookmarkDetector struct {
	started   bool
	nExtinct  uint64
	fixed     int // phenotype carried by every agent, or -1
	peak      int // population peak since the last crash
	crashFrac float64
}

// NewBookmarkDetector creates a detector. A crash is reported when the
// population falls below crashFrac of its recent peak.
func NewBookmarkDetector(crashFrac float64) *BookmarkDetector {
	return &BookmarkDetector{fixed: -1, crashFrac: crashFrac}
}

// Check analyzes the latest record and returns any triggered bookmarks.
func (bd *BookmarkDetector) Check(r Record) []Bookmark {
	var bookmarks []Bookmark
	mark := func(t BookmarkType, format string, args ...any) {
		bookmarks = append(bookmarks, Bookmark{
			Type: t, Step: r.Step, Time: r.Time,
			Description: fmt.Sprintf(format, args...),
		})
	}

	fixed := -1
	for phe, f := range r.DistPhe {
		if f == 1 {
			fixed = phe
		}
	}

	if bd.started {
		if r.NExtinct > bd.nExtinct {
			mark(BookmarkExtinction, "%d extinction(s) before step %d", r.NExtinct-bd.nExtinct, r.Step)
		}
		if fixed >= 0 && fixed != bd.fixed {
			mark(BookmarkFixation, "phenotype %d carried by all %d agents", fixed, r.NAgents)
		}
		if bd.peak > 0 && float64(r.NAgents) < bd.crashFrac*float64(bd.peak) {
			mark(BookmarkCrash, "population fell from %d to %d", bd.peak, r.NAgents)
			bd.peak = r.NAgents
		}
	}

	bd.started = true
	bd.nExtinct = r.NExtinct
	bd.fixed = fixed
	if r.NAgents > bd.peak {
		bd.peak = r.NAgents
	}
	return bookmarks
}
