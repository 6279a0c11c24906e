package model

import "time"

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

func (s ApprovalStatus) Valid() bool {
	switch s {
	case ApprovalPending, ApprovalApproved, ApprovalRejected:
		return true
	}
	return false
}

// Intent is the single live delivery intent of a subject. It carries no
// message body; text is rendered at dispatch time.
type Intent struct {
	ID             int64          `json:"id"`
	CommunityID    int64          `json:"community_id"`
	SubjectID      int64          `json:"subject_id"`
	SendDate       time.Time      `json:"send_date"`
	Channel        Channel        `json:"channel"`
	Email          string         `json:"email,omitempty"`
	Phone          string         `json:"phone,omitempty"`
	ApprovalStatus ApprovalStatus `json:"approval_status"`
	ApprovedAt     *time.Time     `json:"approved_at,omitempty"`
	ApprovedBy     string         `json:"approved_by,omitempty"`
	Token          string         `json:"token"`
	Generation     int            `json:"generation"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// IntentFields are the recomputable parts of an intent.
type IntentFields struct {
	SendDate time.Time
	Channel  Channel
	Email    string
	Phone    string
}

// Diff lists the fields of the intent that differ from f.
func (i *Intent) Diff(f IntentFields) []string {
	var changed []string
	if !SameDay(i.SendDate, f.SendDate) {
		changed = append(changed, "send_date")
	}
	if i.Channel != f.Channel {
		changed = append(changed, "channel")
	}
	if i.Email != f.Email {
		changed = append(changed, "email")
	}
	if i.Phone != f.Phone {
		changed = append(changed, "phone")
	}
	return changed
}

// IntentWrite is what RefreshIntent should persist for a subject.
type IntentWrite struct {
	Create  *Intent
	Update  *IntentFields
	Changed []string
}

// RefreshMode reports what a refresh did.
type RefreshMode string

const (
	RefreshCreated   RefreshMode = "create"
	RefreshUpdated   RefreshMode = "update"
	RefreshUnchanged RefreshMode = "unchanged"
)

// Date truncates t to its calendar day in t's location.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// SameDay compares calendar dates, ignoring clock and location.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// CivilDate builds a UTC midnight value for a calendar date, which is how
// dates are carried through the system.
func CivilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
