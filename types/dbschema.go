package types

import (
	"time"
)

// FollowRequest status values.
const (
	FollowStatusPending  = "pending"
	FollowStatusApproved = "approved"
	FollowStatusRejected = "rejected"
)

// Setting keys read by the relay.
const (
	SettingDomainBlockMode    = "domain_block_mode"
	SettingAutoApproveFollows = "auto_approve_follows"
)

// Domain block modes.
const (
	DomainBlockModeBlacklist = "blacklist"
	DomainBlockModeWhitelist = "whitelist"
)

// Actor is a db model of an approved relay subscriber.
// An empty SharedInbox or PublicKeyPem means the actor document did not carry one.
type Actor struct {
	ID           string    `json:"id" gorm:"primaryKey;type:text"`
	Inbox        string    `json:"inbox" gorm:"type:text"`
	SharedInbox  string    `json:"sharedInbox,omitempty" gorm:"type:text"`
	PublicKeyPem string    `json:"publicKey,omitempty" gorm:"type:text"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// DeliveryInbox returns the shared inbox when the subscriber has one.
func (a Actor) DeliveryInbox() string {
	if a.SharedInbox != "" {
		return a.SharedInbox
	}
	return a.Inbox
}

// FollowRequest is a db model of a Follow activity received by the relay.
// The raw activity is kept to rebuild the Accept/Reject envelope later.
type FollowRequest struct {
	ID          string    `json:"id" gorm:"primaryKey;type:text"`
	ActorID     string    `json:"actorId" gorm:"type:text;index"`
	ObjectID    string    `json:"objectId,omitempty" gorm:"type:text"`
	Status      string    `json:"status" gorm:"type:text;index;default:pending"`
	RawActivity string    `json:"-" gorm:"type:text"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// DomainRule is a db model of a domain block/allow rule.
type DomainRule struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	Pattern   string    `json:"pattern" gorm:"type:text"`
	IsRegex   bool      `json:"isRegex"`
	Reason    string    `json:"reason,omitempty" gorm:"type:text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Setting is a db model of a relay wide key-value setting.
type Setting struct {
	Key   string `json:"key" gorm:"primaryKey;type:text"`
	Value string `json:"value" gorm:"type:text"`
}
