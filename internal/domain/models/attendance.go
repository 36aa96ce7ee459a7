// internal/domain/models/attendance.go
package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// AttendanceStatus is the state of a user's attendance for one day.
//
//	none -> checkedIn -> onBreak <-> checkedIn -> checkedOut
//
// checkedOut is terminal. "none" is never stored; it is reported when no
// record exists for the day.
type AttendanceStatus string

const (
	AttendanceNone       AttendanceStatus = "none"
	AttendanceCheckedIn  AttendanceStatus = "checkedIn"
	AttendanceOnBreak    AttendanceStatus = "onBreak"
	AttendanceCheckedOut AttendanceStatus = "checkedOut"
)

// Location is where a check-in or check-out happened, as reported by the
// client.
type Location struct {
	Latitude  *float64 `bson:"latitude,omitempty" json:"latitude,omitempty"`
	Longitude *float64 `bson:"longitude,omitempty" json:"longitude,omitempty"`
	Address   string   `bson:"address,omitempty" json:"address,omitempty"`
}

// Break is one break interval. EndedAt is nil while the break is open.
type Break struct {
	StartedAt time.Time  `bson:"started_at" json:"started_at"`
	EndedAt   *time.Time `bson:"ended_at,omitempty" json:"ended_at,omitempty"`
	Minutes   int        `bson:"minutes" json:"minutes"`
}

// AttendanceRecord is one user's attendance for one day. Day is the
// calendar date (YYYY-MM-DD) in the organization's timezone; (UserID, Day)
// is unique.
type AttendanceRecord struct {
	ID     primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID primitive.ObjectID `bson:"user_id" json:"user_id"`
	Day    string             `bson:"day" json:"day"`
	Status AttendanceStatus   `bson:"status" json:"status"`

	CheckInAt        time.Time  `bson:"check_in_at" json:"check_in_at"`
	CheckInLocation  *Location  `bson:"check_in_location,omitempty" json:"check_in_location,omitempty"`
	CheckOutAt       *time.Time `bson:"check_out_at,omitempty" json:"check_out_at,omitempty"`
	CheckOutLocation *Location  `bson:"check_out_location,omitempty" json:"check_out_location,omitempty"`

	Breaks          []Break `bson:"breaks" json:"breaks"`
	BreakMinutes    int     `bson:"break_minutes" json:"break_minutes"`
	LateMinutes     int     `bson:"late_minutes" json:"late_minutes"`
	WorkedMinutes   int     `bson:"worked_minutes" json:"worked_minutes"`
	OvertimeMinutes int     `bson:"overtime_minutes" json:"overtime_minutes"`

	AutoClosed bool   `bson:"auto_closed" json:"auto_closed"`
	Note       string `bson:"note,omitempty" json:"note,omitempty"`

	// Rev increments on every update; conditional updates match on it.
	Rev int64 `bson:"rev" json:"-"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// OpenBreak returns the index of the open break, or -1.
func (r *AttendanceRecord) OpenBreak() int {
	if n := len(r.Breaks); n > 0 && r.Breaks[n-1].EndedAt == nil {
		return n - 1
	}
	return -1
}

// IsLate reports whether the check-in was after the shift start plus grace.
func (r *AttendanceRecord) IsLate() bool {
	return r.LateMinutes > 0
}
