package sync

import (
	"errors"
	"time"

	"github.com/schaermu/overlaysync/internal/manifest"
)

// Plan represents the operations a sync would perform on one overlay
type Plan struct {
	Fetch     []manifest.FileFingerprint // remote entries missing or different locally
	Delete    []string                   // local paths the remote no longer lists
	Unchanged int
}

// OverlayReport summarizes what happened to one overlay during a session
type OverlayReport struct {
	Location    string
	InstallPath string
	Fetched     int
	Deleted     int
	Unchanged   int
	Bytes       uint64
	Err         error
}

// Changed reports whether the overlay touched the installation
func (r OverlayReport) Changed() bool {
	return r.Fetched > 0 || r.Deleted > 0
}

// Report summarizes a whole session
type Report struct {
	Overlays []OverlayReport
	Duration time.Duration
}

// Changed reports whether any overlay touched the installation
func (r *Report) Changed() bool {
	for _, o := range r.Overlays {
		if o.Changed() {
			return true
		}
	}
	return false
}

// Err joins the errors of all failed overlays
func (r *Report) Err() error {
	var errs []error
	for _, o := range r.Overlays {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errors.Join(errs...)
}
