package model

import (
	"time"
	"unicode/utf8"
)

// NotSentReason classifies why an intent ended without a delivery.
type NotSentReason string

const (
	ReasonNotApproved      NotSentReason = "not_approved"
	ReasonDeliveryFailed   NotSentReason = "delivery_failed"
	ReasonNoContactInfo    NotSentReason = "no_contact_info"
	ReasonOptOut           NotSentReason = "opt_out"
	ReasonNoDeliveryMethod NotSentReason = "no_delivery_method"
)

// MaxErrorDetail bounds the error text stored on a NotSent record.
const MaxErrorDetail = 1000

// SentRecord is the immutable audit record of a delivered intent.
type SentRecord struct {
	ID          int64     `json:"id"`
	CommunityID int64     `json:"community_id"`
	SubjectID   int64     `json:"subject_id"`
	Token       string    `json:"token"`
	ReceiptID   string    `json:"receipt_id"`
	Channel     Channel   `json:"channel"`
	SendDate    time.Time `json:"send_date"`
	FullMessage string    `json:"full_message"`
	Email       string    `json:"email,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// NotSentRecord is the immutable audit record of an intent that ended
// without a delivery.
type NotSentRecord struct {
	ID           int64         `json:"id"`
	CommunityID  int64         `json:"community_id"`
	SubjectID    int64         `json:"subject_id"`
	Token        string        `json:"token"`
	Reason       NotSentReason `json:"reason"`
	Channel      Channel       `json:"channel,omitempty"`
	SendDate     time.Time     `json:"send_date"`
	FullMessage  string        `json:"full_message,omitempty"`
	Email        string        `json:"email,omitempty"`
	Phone        string        `json:"phone,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// TruncateError shortens an error detail to at most MaxErrorDetail bytes
// without splitting a multi-byte character.
func TruncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) <= MaxErrorDetail {
		return msg
	}
	cut := MaxErrorDetail
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

// ErrorCount is one row of the common errors report.
type ErrorCount struct {
	Message string `json:"message"`
	Count   int64  `json:"count"`
}

// AuditStats summarizes outcomes for a community since a date.
type AuditStats struct {
	Since            time.Time               `json:"since"`
	Sent             int64                   `json:"sent"`
	NotSent          int64                   `json:"not_sent"`
	NotSentByReason  map[NotSentReason]int64 `json:"not_sent_by_reason"`
	PendingApproval  int64                   `json:"pending_approval"`
	ApprovedUpcoming int64                   `json:"approved_upcoming"`
	CommonErrors     []ErrorCount            `json:"common_errors"`
}
