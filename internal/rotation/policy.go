package rotation

import (
	"fmt"
	"time"
)

const (
	DefaultValidity       = 365 * 24 * time.Hour
	DefaultRotationWindow = 7 * 24 * time.Hour
)

// Policy fixes key validity and how long before expiry a successor must be
// queued. Both are process-wide.
type Policy struct {
	Validity       time.Duration
	RotationWindow time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Validity: DefaultValidity, RotationWindow: DefaultRotationWindow}
}

func (p Policy) Validate() error {
	if p.Validity <= 0 {
		return fmt.Errorf("rotation: validity must be positive, got %s", p.Validity)
	}
	if p.RotationWindow <= 0 || p.RotationWindow >= p.Validity {
		return fmt.Errorf("rotation: rotation window %s must be positive and shorter than validity %s", p.RotationWindow, p.Validity)
	}
	return nil
}

// queueAt is the instant from which a successor for a key expiring at exp is due.
func (p Policy) queueAt(exp time.Time) time.Time { return exp.Add(-p.RotationWindow) }
