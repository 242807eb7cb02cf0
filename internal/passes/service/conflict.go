package service

import (
	"passkeeper/pkg/model"
	"time"
)

// Overlaps reports whether two half-open windows [s1,e1) and [s2,e2)
// intersect. Touching boundaries do not conflict: a reservation ending
// at 3pm and one starting at 3pm can coexist.
func Overlaps(s1, e1, s2, e2 time.Time) bool {
	return s1.Before(e2) && e1.After(s2)
}

// FindConflicts returns the reservations whose windows overlap the
// candidate window. Only reservations that are neither expired nor
// rejected at the evaluation instant participate.
func FindConflicts(start, end time.Time, existing []*model.Reservation, now time.Time) []*model.Reservation {
	var conflicts []*model.Reservation
	for _, r := range existing {
		switch model.DeriveStatus(r, now) {
		case model.StatusExpired, model.StatusRejected:
			continue
		}
		if Overlaps(r.Start, r.End, start, end) {
			conflicts = append(conflicts, r)
		}
	}
	return conflicts
}
