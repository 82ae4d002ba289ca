package access

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidProjectID indicates that a project identifier is empty or exceeds storage bounds.
	ErrInvalidProjectID = errors.New("access: invalid project id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("access: invalid user id")
	// ErrInvalidRole indicates that a role value is not one of the known roles.
	ErrInvalidRole = errors.New("access: invalid role")

	// ErrAccessDenied indicates the user holds no role on the project.
	ErrAccessDenied = errors.New("access: denied")
	// ErrInviteNotFound indicates no active invite matches the supplied token.
	ErrInviteNotFound = errors.New("access: invite not found")
	// ErrInviteExpired indicates the invite's expiry horizon has passed.
	ErrInviteExpired = errors.New("access: invite expired")
	// ErrInviteAlreadyUsed indicates the invite's use budget is exhausted.
	ErrInviteAlreadyUsed = errors.New("access: invite already used")
)

// ProjectID represents a validated project identifier. The identifier is
// shared with the project's document.
type ProjectID string

// NewProjectID validates raw input and returns a ProjectID.
func NewProjectID(rawInput string) (ProjectID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidProjectID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidProjectID, maxIdentifierLength)
	}
	return ProjectID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ProjectID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Role enumerates the access levels a user can hold on a project.
type Role string

const (
	// RoleNone denies access entirely.
	RoleNone Role = "none"
	// RoleViewer grants read-only access to the live document.
	RoleViewer Role = "viewer"
	// RoleEditor grants read-write access to the live document.
	RoleEditor Role = "editor"
	// RoleOwner grants full control including invite management.
	RoleOwner Role = "owner"
)

var roleRank = map[Role]int{
	RoleNone:   0,
	RoleViewer: 1,
	RoleEditor: 2,
	RoleOwner:  3,
}

// NewRole validates raw input and returns a Role.
func NewRole(rawInput string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(rawInput)))
	if _, ok := roleRank[role]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, rawInput)
	}
	return role, nil
}

// NewInviteRole validates raw input and ensures the role is grantable by an
// invite. Invites never confer ownership.
func NewInviteRole(rawInput string) (Role, error) {
	role, err := NewRole(rawInput)
	if err != nil {
		return "", err
	}
	if role != RoleEditor && role != RoleViewer {
		return "", fmt.Errorf("%w: invite role must be editor or viewer", ErrInvalidRole)
	}
	return role, nil
}

// String returns the role name.
func (r Role) String() string {
	return string(r)
}

// AtLeast reports whether the role grants at least the privileges of other.
func (r Role) AtLeast(other Role) bool {
	return roleRank[r] >= roleRank[other]
}

// CanWrite reports whether the role may mutate the document.
func (r Role) CanWrite() bool {
	return r.AtLeast(RoleEditor)
}

// Project models the ownership row consumed by role resolution. Project
// metadata CRUD lives outside this service; only the columns access control
// depends on are mapped.
type Project struct {
	ProjectID   string `gorm:"column:project_id;primaryKey;size:190;not null"`
	OwnerUserID string `gorm:"column:owner_user_id;size:190;not null;index"`
	OrgID       string `gorm:"column:org_id;size:190;not null;default:'';index"`
}

// TableName provides the explicit table binding for GORM.
func (Project) TableName() string {
	return "projects"
}

// Membership models an explicit per-project role grant.
type Membership struct {
	ProjectID string `gorm:"column:project_id;primaryKey;size:190;not null"`
	UserID    string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Role      string `gorm:"column:role;size:32;not null"`
	JoinedAtS int64  `gorm:"column:joined_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Membership) TableName() string {
	return "project_memberships"
}

// OrgMembership records that a user belongs to an organization. Members of a
// project's owning organization resolve to editor.
type OrgMembership struct {
	OrgID  string `gorm:"column:org_id;primaryKey;size:190;not null"`
	UserID string `gorm:"column:user_id;primaryKey;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (OrgMembership) TableName() string {
	return "org_memberships"
}

// Invite stores a single-use-budgeted, expiring, role-scoped credential. At
// most one invite exists per (project, role) pair.
type Invite struct {
	InviteID   string `gorm:"column:invite_id;primaryKey;size:190;not null"`
	ProjectID  string `gorm:"column:project_id;size:190;not null;uniqueIndex:idx_invite_project_role,priority:1"`
	Role       string `gorm:"column:role;size:32;not null;uniqueIndex:idx_invite_project_role,priority:2"`
	Token      string `gorm:"column:token;size:190;not null;uniqueIndex"`
	CreatedBy  string `gorm:"column:created_by;size:190;not null"`
	ExpiresAtS int64  `gorm:"column:expires_at_s;not null"`
	MaxUses    int64  `gorm:"column:max_uses;not null;default:0"`
	Uses       int64  `gorm:"column:uses;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Invite) TableName() string {
	return "project_invites"
}

// Identity maps a user id to presence-facing profile fields.
type Identity struct {
	UserID      string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Email       string `gorm:"column:user_email;size:320"`
	DisplayName string `gorm:"column:user_display_name;size:320"`
}

// TableName provides the explicit table binding for GORM.
func (Identity) TableName() string {
	return "user_identities"
}
