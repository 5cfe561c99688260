package model

import "time"

// User represents an application user record as stored in the
// `users` table.  Role is one of CUSTOMER or ADMIN.
type User struct {
	ID           uint64    // users.id
	Email        string    // users.email
	PasswordHash string    // users.password_hash
	Role         string    // users.role
	IsActive     bool      // users.is_active
	CreatedAt    time.Time // users.created_at
	UpdatedAt    time.Time // users.updated_at
}

// Profile holds optional customer details.  An empty profile is created
// for every user as part of registration.
type Profile struct {
	UserID            uint64  // profiles.user_id
	Phone             string  // profiles.phone
	PreferredCinemaID *uint64 // profiles.preferred_cinema_id (nullable)
	ReceivePromotions bool    // profiles.receive_promotions
}

// PassTier is the membership level of a MembershipPass.
type PassTier string

const (
	PassFree     PassTier = "FREE"
	PassStandard PassTier = "STANDARD"
	PassGold     PassTier = "GOLD"
)

// MembershipPass is the subscription record paired with every user.  New
// users start on the FREE tier with an inactive pass.
type MembershipPass struct {
	UserID   uint64   // membership_passes.user_id
	Tier     PassTier // membership_passes.tier
	IsActive bool     // membership_passes.is_active
}
