package rotation

import (
	"time"

	"github.com/dropDatabas3/nrtmkeys/internal/domain/repository"
)

type State string

const (
	StateNoActiveKey      State = "NO_ACTIVE_KEY"
	StateActiveOnly       State = "ACTIVE_ONLY"
	StateActiveWithQueued State = "ACTIVE_WITH_QUEUED"
)

type Transition string

const (
	NoOp              Transition = "noop"
	Bootstrapped      Transition = "bootstrapped"
	Queued            Transition = "queued"
	Promoted          Transition = "promoted"
	ForcePromoted     Transition = "force_promoted"
	EmergencyReplaced Transition = "emergency_replaced"
	Created           Transition = "created"
)

// Snapshot is a consistent read of the active and queued keys. Records carry
// public material only.
type Snapshot struct {
	At     time.Time
	State  State
	Active *repository.KeyRecord
	Queued *repository.KeyRecord
}

// Result describes what a mutating operation did.
type Result struct {
	Transition Transition
	Snapshot

	// Created is the record minted by this operation, if any.
	Created *repository.KeyRecord
	// Retired lists ids deactivated by this operation.
	Retired []string
}

func newSnapshot(now time.Time, active, queued *repository.KeyRecord) Snapshot {
	s := Snapshot{At: now, Active: publicView(active), Queued: publicView(queued)}
	switch {
	case active == nil:
		s.State = StateNoActiveKey
	case queued == nil:
		s.State = StateActiveOnly
	default:
		s.State = StateActiveWithQueued
	}
	return s
}

func publicView(r *repository.KeyRecord) *repository.KeyRecord {
	if r == nil {
		return nil
	}
	p := r.Public()
	return &p
}
