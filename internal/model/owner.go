package model

import "fmt"

// OwnerKind discriminates what a Preference is attached to.
type OwnerKind string

const (
	OwnerSystem    OwnerKind = "system"
	OwnerCommunity OwnerKind = "community"
	OwnerSubject   OwnerKind = "subject"
)

// Owner references the System, a Community or a Subject. CommunityID is set
// for subjects (their parent) and equals ID for communities.
type Owner struct {
	Kind        OwnerKind `json:"kind"`
	ID          int64     `json:"id"`
	CommunityID int64     `json:"community_id,omitempty"`
}

func SystemOwner() Owner {
	return Owner{Kind: OwnerSystem}
}

func CommunityOwner(communityID int64) Owner {
	return Owner{Kind: OwnerCommunity, ID: communityID, CommunityID: communityID}
}

func SubjectOwner(communityID, subjectID int64) Owner {
	return Owner{Kind: OwnerSubject, ID: subjectID, CommunityID: communityID}
}

// Parent walks one step up the subject -> community -> system hierarchy.
func (o Owner) Parent() (Owner, bool) {
	switch o.Kind {
	case OwnerSubject:
		return CommunityOwner(o.CommunityID), true
	case OwnerCommunity:
		return SystemOwner(), true
	default:
		return Owner{}, false
	}
}

// Chain lists the owner followed by its ancestors, most specific first.
func (o Owner) Chain() []Owner {
	chain := []Owner{o}
	cur := o
	for {
		p, ok := cur.Parent()
		if !ok {
			return chain
		}
		chain = append(chain, p)
		cur = p
	}
}

func (o Owner) Valid() bool {
	switch o.Kind {
	case OwnerSystem:
		return true
	case OwnerCommunity:
		return o.ID > 0
	case OwnerSubject:
		return o.ID > 0 && o.CommunityID > 0
	}
	return false
}

func (o Owner) String() string {
	if o.Kind == OwnerSystem {
		return string(OwnerSystem)
	}
	return fmt.Sprintf("%s:%d", o.Kind, o.ID)
}
