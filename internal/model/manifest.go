// Package model defines the core domain types for Mokuroku.
//
// Types use strong typing (UUIDs, time.Time, enums) and avoid
// interface{} wherever possible. Event payloads are one struct per
// event type rather than loose maps.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ManifestStatus represents the lifecycle state of a run manifest.
type ManifestStatus string

const (
	ManifestStatusOpen    ManifestStatus = "open"
	ManifestStatusClosing ManifestStatus = "closing"
	ManifestStatusClosed  ManifestStatus = "closed"
)

// Tier classifies how trustworthy a run's collected evidence is.
type Tier string

const (
	// TierInvalid means coverage is below the usability floor. The run
	// contributes no downstream score and is not worth gap-filling.
	TierInvalid Tier = "invalid"
	// TierDegraded means coverage is usable but has gaps worth repairing.
	TierDegraded Tier = "degraded"
	// TierHealthy means coverage met or exceeded the target.
	TierHealthy Tier = "healthy"
)

// RunManifest is the ledger entry for one time-windowed collection campaign.
// Counters and the derived coverage/tier snapshot are owned exclusively by
// the ledger; external executors only report outcomes.
type RunManifest struct {
	RunID          uuid.UUID      `json:"run_id"`
	WindowStart    time.Time      `json:"window_start"`
	WindowEnd      time.Time      `json:"window_end"`
	TargetCombos   int            `json:"target_combos"`
	MinFloor       float64        `json:"min_floor"`
	TargetCoverage float64        `json:"target_coverage"`
	ObservedOK     int            `json:"observed_ok"`
	ObservedFail   int            `json:"observed_fail"`
	Coverage       float64        `json:"coverage"`
	Tier           Tier           `json:"tier"`
	Status         ManifestStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	ClosedAt       *time.Time     `json:"closed_at,omitempty"`
}
