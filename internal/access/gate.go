package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultInviteTTL = 24 * time.Hour

var (
	errMissingDatabase      = errors.New("database handle is required")
	errMissingIDProvider    = errors.New("id provider is required")
	errMissingTokenProvider = errors.New("token provider is required")
	noOpLogger              = zap.NewNop()
)

const (
	opGateNew       = "access.gate.new"
	opResolve       = "access.resolve"
	opCreateInvite  = "access.create_invite"
	opListInvites   = "access.list_invites"
	opRedeemInvite  = "access.redeem_invite"
	opRevokeInvite  = "access.revoke_invite"
	opDisplayName   = "access.display_name"
	opDeleteProject = "access.delete_project"

	fieldProjectID = "project_id"
	fieldUserID    = "user_id"
	fieldRole      = "role"

	queryProjectRole = "project_id = ? AND role = ?"
	queryProjectUser = "project_id = ? AND user_id = ?"
	queryOrgUser     = "org_id = ? AND user_id = ?"
)

// ServiceError wraps a gate failure with an operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// GateConfig describes the dependencies required by the access gate.
type GateConfig struct {
	Database      *gorm.DB
	Clock         func() time.Time
	IDProvider    IDProvider
	TokenProvider TokenProvider
	InviteTTL     time.Duration
	Logger        *zap.Logger
}

// Gate answers "may this user attach to this document, and with what role?"
// and manages the invite lifecycle.
type Gate struct {
	db        *gorm.DB
	clock     func() time.Time
	ids       IDProvider
	tokens    TokenProvider
	inviteTTL time.Duration
	logger    *zap.Logger
}

// NewGate constructs the access gate.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opGateNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opGateNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.TokenProvider == nil {
		return nil, newServiceError(opGateNew, "missing_token_provider", errMissingTokenProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	inviteTTL := cfg.InviteTTL
	if inviteTTL <= 0 {
		inviteTTL = defaultInviteTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Gate{
		db:        cfg.Database,
		clock:     clock,
		ids:       cfg.IDProvider,
		tokens:    cfg.TokenProvider,
		inviteTTL: inviteTTL,
		logger:    logger,
	}, nil
}

// Resolve returns the role the user holds on the project. Unknown projects
// and unknown users resolve to RoleNone rather than an error.
func (g *Gate) Resolve(ctx context.Context, projectID ProjectID, userID UserID) (Role, error) {
	return g.resolveWith(g.db.WithContext(ctx), projectID, userID)
}

// resolveWith runs role resolution on the supplied handle so callers inside
// a transaction reuse its connection (the sqlite pool is capped at one).
func (g *Gate) resolveWith(db *gorm.DB, projectID ProjectID, userID UserID) (Role, error) {
	var project Project
	err := db.
		Where("project_id = ?", projectID.String()).
		Take(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RoleNone, nil
	}
	if err != nil {
		g.logError(opResolve, "project_lookup_failed", err, zap.String(fieldProjectID, projectID.String()))
		return RoleNone, newServiceError(opResolve, "project_lookup_failed", err)
	}

	if project.OwnerUserID == userID.String() {
		return RoleOwner, nil
	}

	if project.OrgID != "" {
		var orgCount int64
		if err := db.Model(&OrgMembership{}).
			Where(queryOrgUser, project.OrgID, userID.String()).
			Count(&orgCount).Error; err != nil {
			g.logError(opResolve, "org_lookup_failed", err, zap.String(fieldProjectID, projectID.String()))
			return RoleNone, newServiceError(opResolve, "org_lookup_failed", err)
		}
		if orgCount > 0 {
			return RoleEditor, nil
		}
	}

	var membership Membership
	err = db.
		Where(queryProjectUser, projectID.String(), userID.String()).
		Take(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RoleNone, nil
	}
	if err != nil {
		g.logError(opResolve, "membership_lookup_failed", err, zap.String(fieldProjectID, projectID.String()))
		return RoleNone, newServiceError(opResolve, "membership_lookup_failed", err)
	}

	role, roleErr := NewRole(membership.Role)
	if roleErr != nil {
		g.logError(opResolve, "membership_role_invalid", roleErr,
			zap.String(fieldProjectID, projectID.String()),
			zap.String(fieldRole, membership.Role))
		return RoleNone, newServiceError(opResolve, "membership_role_invalid", roleErr)
	}
	return role, nil
}

// InviteRecord is the caller-facing view of a stored invite.
type InviteRecord struct {
	Role      Role
	Token     string
	ExpiresAt time.Time
	MaxUses   int64
	Uses      int64
}

// CreateInvite mints a new invite for the (project, role) pair, replacing any
// previous invite for that pair. Requires the requestor to be the owner.
// maxUses of zero leaves the invite unbounded.
func (g *Gate) CreateInvite(ctx context.Context, projectID ProjectID, requestorID UserID, role Role, maxUses int64) (InviteRecord, error) {
	if role != RoleEditor && role != RoleViewer {
		return InviteRecord{}, fmt.Errorf("%w: invite role must be editor or viewer", ErrInvalidRole)
	}
	requestorRole, err := g.Resolve(ctx, projectID, requestorID)
	if err != nil {
		return InviteRecord{}, err
	}
	if requestorRole != RoleOwner {
		return InviteRecord{}, ErrAccessDenied
	}

	inviteID, err := g.ids.NewID()
	if err != nil {
		g.logError(opCreateInvite, "id_generation_failed", err, zap.String(fieldProjectID, projectID.String()))
		return InviteRecord{}, newServiceError(opCreateInvite, "id_generation_failed", err)
	}
	token, err := g.tokens.NewToken()
	if err != nil {
		g.logError(opCreateInvite, "token_generation_failed", err, zap.String(fieldProjectID, projectID.String()))
		return InviteRecord{}, newServiceError(opCreateInvite, "token_generation_failed", err)
	}

	expiresAt := g.clock().UTC().Add(g.inviteTTL)
	invite := Invite{
		InviteID:   inviteID,
		ProjectID:  projectID.String(),
		Role:       role.String(),
		Token:      token,
		CreatedBy:  requestorID.String(),
		ExpiresAtS: expiresAt.Unix(),
		MaxUses:    maxUses,
	}

	txErr := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(queryProjectRole, projectID.String(), role.String()).
			Delete(&Invite{}).Error; err != nil {
			return newServiceError(opCreateInvite, "previous_invite_delete_failed", err)
		}
		if err := tx.Create(&invite).Error; err != nil {
			return newServiceError(opCreateInvite, "invite_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		g.logError(opCreateInvite, "transaction_failed", txErr, zap.String(fieldProjectID, projectID.String()))
		return InviteRecord{}, txErr
	}

	return InviteRecord{
		Role:      role,
		Token:     token,
		ExpiresAt: expiresAt,
		MaxUses:   maxUses,
	}, nil
}

// ListInvites returns the active invites of a project. Requires owner role.
func (g *Gate) ListInvites(ctx context.Context, projectID ProjectID, requestorID UserID) ([]InviteRecord, error) {
	requestorRole, err := g.Resolve(ctx, projectID, requestorID)
	if err != nil {
		return nil, err
	}
	if requestorRole != RoleOwner {
		return nil, ErrAccessDenied
	}

	var invites []Invite
	if err := g.db.WithContext(ctx).
		Where("project_id = ?", projectID.String()).
		Find(&invites).Error; err != nil {
		g.logError(opListInvites, "query_failed", err, zap.String(fieldProjectID, projectID.String()))
		return nil, newServiceError(opListInvites, "query_failed", err)
	}

	now := g.clock().UTC()
	records := make([]InviteRecord, 0, len(invites))
	for _, invite := range invites {
		expiresAt := time.Unix(invite.ExpiresAtS, 0).UTC()
		if now.After(expiresAt) {
			continue
		}
		role, roleErr := NewRole(invite.Role)
		if roleErr != nil {
			g.logError(opListInvites, "invite_role_invalid", roleErr,
				zap.String(fieldProjectID, projectID.String()),
				zap.String(fieldRole, invite.Role))
			return nil, newServiceError(opListInvites, "invite_role_invalid", roleErr)
		}
		records = append(records, InviteRecord{
			Role:      role,
			Token:     invite.Token,
			ExpiresAt: expiresAt,
			MaxUses:   invite.MaxUses,
			Uses:      invite.Uses,
		})
	}
	return records, nil
}

// RedeemInvite joins the caller to the invite's project at the invite's role.
// Redemption by a user already holding at least that role succeeds without
// consuming a use, so each user can consume a given invite at most once.
func (g *Gate) RedeemInvite(ctx context.Context, token string, userID UserID) (Role, error) {
	var redeemedRole Role
	txErr := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var invite Invite
		err := tx.Where("token = ?", token).Take(&invite).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInviteNotFound
		}
		if err != nil {
			return newServiceError(opRedeemInvite, "invite_lookup_failed", err)
		}

		if g.clock().UTC().After(time.Unix(invite.ExpiresAtS, 0).UTC()) {
			return ErrInviteExpired
		}

		inviteRole, roleErr := NewRole(invite.Role)
		if roleErr != nil {
			return newServiceError(opRedeemInvite, "invite_role_invalid", roleErr)
		}

		projectID, idErr := NewProjectID(invite.ProjectID)
		if idErr != nil {
			return newServiceError(opRedeemInvite, "invite_project_invalid", idErr)
		}
		currentRole, resolveErr := g.resolveWith(tx, projectID, userID)
		if resolveErr != nil {
			return resolveErr
		}
		if currentRole.AtLeast(inviteRole) {
			// Idempotent join: already sufficiently privileged.
			redeemedRole = currentRole
			return nil
		}

		if invite.MaxUses > 0 && invite.Uses >= invite.MaxUses {
			return ErrInviteAlreadyUsed
		}

		membership := Membership{
			ProjectID: invite.ProjectID,
			UserID:    userID.String(),
			Role:      inviteRole.String(),
			JoinedAtS: g.clock().UTC().Unix(),
		}
		if currentRole == RoleNone {
			if err := tx.Create(&membership).Error; err != nil {
				return newServiceError(opRedeemInvite, "membership_insert_failed", err)
			}
		} else {
			if err := tx.Where(queryProjectUser, invite.ProjectID, userID.String()).
				Updates(&membership).Error; err != nil {
				return newServiceError(opRedeemInvite, "membership_update_failed", err)
			}
		}

		invite.Uses++
		if err := tx.Save(&invite).Error; err != nil {
			return newServiceError(opRedeemInvite, "invite_update_failed", err)
		}
		redeemedRole = inviteRole
		return nil
	})
	if txErr != nil {
		if !isInviteOutcome(txErr) {
			g.logError(opRedeemInvite, "transaction_failed", txErr, zap.String(fieldUserID, userID.String()))
		}
		return RoleNone, txErr
	}
	return redeemedRole, nil
}

// RevokeInvite deletes the (project, role) invite if present. Requires owner
// role; a missing invite is not an error.
func (g *Gate) RevokeInvite(ctx context.Context, projectID ProjectID, role Role, requestorID UserID) error {
	requestorRole, err := g.Resolve(ctx, projectID, requestorID)
	if err != nil {
		return err
	}
	if requestorRole != RoleOwner {
		return ErrAccessDenied
	}
	if err := g.db.WithContext(ctx).
		Where(queryProjectRole, projectID.String(), role.String()).
		Delete(&Invite{}).Error; err != nil {
		g.logError(opRevokeInvite, "delete_failed", err, zap.String(fieldProjectID, projectID.String()))
		return newServiceError(opRevokeInvite, "delete_failed", err)
	}
	return nil
}

// DisplayName returns the presence-facing name stored for a user, or the
// empty string when no identity row exists.
func (g *Gate) DisplayName(ctx context.Context, userID UserID) string {
	var identity Identity
	err := g.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Take(&identity).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			g.logError(opDisplayName, "lookup_failed", err, zap.String(fieldUserID, userID.String()))
		}
		return ""
	}
	return identity.DisplayName
}

// DeleteProject removes the access rows backing a project: memberships,
// invites, and the ownership row itself. Requires owner role. Document
// snapshot purge and live-session teardown are the room registry's concern.
func (g *Gate) DeleteProject(ctx context.Context, projectID ProjectID, requestorID UserID) error {
	requestorRole, err := g.Resolve(ctx, projectID, requestorID)
	if err != nil {
		return err
	}
	if requestorRole != RoleOwner {
		return ErrAccessDenied
	}
	txErr := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", projectID.String()).Delete(&Invite{}).Error; err != nil {
			return newServiceError(opDeleteProject, "invite_delete_failed", err)
		}
		if err := tx.Where("project_id = ?", projectID.String()).Delete(&Membership{}).Error; err != nil {
			return newServiceError(opDeleteProject, "membership_delete_failed", err)
		}
		if err := tx.Where("project_id = ?", projectID.String()).Delete(&Project{}).Error; err != nil {
			return newServiceError(opDeleteProject, "project_delete_failed", err)
		}
		return nil
	})
	if txErr != nil {
		g.logError(opDeleteProject, "transaction_failed", txErr, zap.String(fieldProjectID, projectID.String()))
		return txErr
	}
	return nil
}

func isInviteOutcome(err error) bool {
	return errors.Is(err, ErrInviteNotFound) ||
		errors.Is(err, ErrInviteExpired) ||
		errors.Is(err, ErrInviteAlreadyUsed) ||
		errors.Is(err, ErrAccessDenied)
}

func (g *Gate) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	g.logger.Error("access gate error", attrs...)
}
