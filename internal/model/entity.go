package model

import "time"

// Community is a tenant. Every job and service call carries one explicitly.
type Community struct {
	ID            int64     `json:"id" db:"id"`
	Name          string    `json:"name" db:"name"`
	CommunityType string    `json:"community_type" db:"community_type"`
	PhoneNumber   string    `json:"phone_number,omitempty" db:"phone_number"`
	EmailAddress  string    `json:"email_address,omitempty" db:"email_address"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

type DeceasedPerson struct {
	ID                 int64  `json:"id"`
	FirstName          string `json:"first_name"`
	LastName           string `json:"last_name"`
	Gender             string `json:"gender,omitempty"`
	HebrewMonthOfDeath string `json:"hebrew_month_of_death"`
	HebrewDayOfDeath   string `json:"hebrew_day_of_death"`
}

func (d DeceasedPerson) Name() string {
	return d.FirstName + " " + d.LastName
}

type ContactPerson struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	OptedOut  bool   `json:"opted_out"`
}

func (c ContactPerson) Name() string {
	return c.FirstName + " " + c.LastName
}

// Subject pairs an anniversary record with the contact to notify.
type Subject struct {
	ID          int64          `json:"id"`
	CommunityID int64          `json:"community_id"`
	Relation    string         `json:"relation_of_deceased_to_contact,omitempty"`
	Deceased    DeceasedPerson `json:"deceased"`
	Contact     ContactPerson  `json:"contact"`
}

func (s Subject) Owner() Owner {
	return SubjectOwner(s.CommunityID, s.ID)
}
