package models

// UserType represents the role carried in a user's access token
type UserType string

const (
	UserTypeMember     UserType = "member"
	UserTypeAccountant UserType = "accountant"
	UserTypeAdmin      UserType = "admin"
)
