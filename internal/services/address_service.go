package services

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lnurl-bridge/backend/internal/apperr"
	"github.com/lnurl-bridge/backend/internal/lnurl"
	"github.com/lnurl-bridge/backend/internal/models"
	"github.com/lnurl-bridge/backend/internal/rbac"
	"github.com/lnurl-bridge/backend/internal/repositories"
)

// AddressDefaults seed the metadata of newly claimed addresses.
type AddressDefaults struct {
	MinSendable    int64
	MaxSendable    int64
	CommentAllowed int
}

// AddressService owns Lightning Address registrations on the internal domain
// and resolves incoming addresses to the wallet they credit.
type AddressService struct {
	addrs    AddressStore
	groups   Groups
	audit    AuditStore
	domain   string
	defaults AddressDefaults
	log      *zap.Logger
}

func NewAddressService(addrs AddressStore, groups Groups, audit AuditStore, domain string, defaults AddressDefaults, log *zap.Logger) *AddressService {
	return &AddressService{
		addrs:    addrs,
		groups:   groups,
		audit:    audit,
		domain:   strings.ToLower(domain),
		defaults: defaults,
		log:      log,
	}
}

func (s *AddressService) Domain() string {
	return s.domain
}

// Resolve maps user@domain to an internal address. Composite member-group
// addresses that are not stored are assembled from the member's personal
// address and the group address; membership is always checked live.
func (s *AddressService) Resolve(ctx context.Context, full string) (*models.ResolvedAddress, error) {
	parsed, err := lnurl.ParseLightningAddress(full)
	if err != nil {
		return nil, apperr.Validation("invalid lightning address %q", full)
	}
	if parsed.Domain != s.domain {
		return nil, apperr.UnsupportedDomain("domain %s is not served here", parsed.Domain)
	}
	return s.ResolveLocal(ctx, parsed.User)
}

// ResolveLocal resolves a local part on the internal domain.
func (s *AddressService) ResolveLocal(ctx context.Context, localPart string) (*models.ResolvedAddress, error) {
	localPart = strings.ToLower(strings.TrimSpace(localPart))

	addr, err := s.addrs.GetByLocalPart(ctx, localPart, s.domain)
	switch {
	case err == nil:
		return s.resolveStored(ctx, addr)
	case !errors.Is(err, repositories.ErrNotFound):
		return nil, err
	}

	parsed, perr := lnurl.ParseLightningAddress(localPart + "@" + s.domain)
	if perr != nil || !parsed.Composite {
		return nil, apperr.NotFound("address %s@%s not found", localPart, s.domain)
	}
	return s.resolveComposite(ctx, parsed)
}

func (s *AddressService) resolveStored(ctx context.Context, addr *models.Address) (*models.ResolvedAddress, error) {
	if !addr.Settings.Enabled {
		return nil, apperr.NotFound("address %s not found", addr.FullAddress())
	}

	switch addr.Type {
	case models.AddressPersonal:
		return &models.ResolvedAddress{Address: addr, WalletKind: models.WalletPersonal, UserID: addr.OwnerID}, nil
	case models.AddressGroup:
		if addr.GroupID == nil {
			return nil, apperr.NotFound("address %s not found", addr.FullAddress())
		}
		return &models.ResolvedAddress{Address: addr, WalletKind: models.WalletGroup, UserID: addr.OwnerID, GroupID: addr.GroupID}, nil
	case models.AddressMemberOfGroup:
		if addr.GroupID == nil {
			return nil, apperr.NotFound("address %s not found", addr.FullAddress())
		}
		if err := s.requireActiveMember(ctx, *addr.GroupID, addr.OwnerID); err != nil {
			return nil, err
		}
		member := addr.OwnerID
		return &models.ResolvedAddress{
			Address:    addr,
			WalletKind: models.WalletGroup,
			UserID:     addr.OwnerID,
			GroupID:    addr.GroupID,
			MemberID:   &member,
		}, nil
	default:
		return nil, apperr.NotFound("address %s not found", addr.FullAddress())
	}
}

func (s *AddressService) resolveComposite(ctx context.Context, parsed lnurl.LightningAddress) (*models.ResolvedAddress, error) {
	notFound := apperr.NotFound("address %s not found", parsed.String())

	personal, err := s.addrs.GetByLocalPart(ctx, parsed.Member, s.domain)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, notFound
	}
	if err != nil {
		return nil, err
	}
	group, err := s.addrs.GetByLocalPart(ctx, parsed.Group, s.domain)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, notFound
	}
	if err != nil {
		return nil, err
	}

	if personal.Type != models.AddressPersonal || !personal.Settings.Enabled ||
		group.Type != models.AddressGroup || !group.Settings.Enabled || group.GroupID == nil {
		return nil, notFound
	}

	if err := s.requireActiveMember(ctx, *group.GroupID, personal.OwnerID); err != nil {
		return nil, err
	}

	member := personal.OwnerID
	personalID := personal.ID
	composite := &models.Address{
		ID:              group.ID,
		LocalPart:       parsed.User,
		Domain:          s.domain,
		Type:            models.AddressMemberOfGroup,
		OwnerID:         personal.OwnerID,
		GroupID:         group.GroupID,
		MemberAddressID: &personalID,
		Metadata:        group.Metadata,
		Settings:        group.Settings,
		Stats:           group.Stats,
		CreatedAt:       group.CreatedAt,
		UpdatedAt:       group.UpdatedAt,
	}
	return &models.ResolvedAddress{
		Address:    composite,
		WalletKind: models.WalletGroup,
		UserID:     personal.OwnerID,
		GroupID:    group.GroupID,
		MemberID:   &member,
	}, nil
}

func (s *AddressService) requireActiveMember(ctx context.Context, groupID, userID uuid.UUID) error {
	m, err := s.groups.Membership(ctx, groupID, userID)
	if err != nil {
		return apperr.External(err, "group membership check failed")
	}
	if !m.Active {
		return apperr.Forbidden("not an active member of the group")
	}
	return nil
}

// IsAddressAvailable is advisory. The unique index decides at claim time.
func (s *AddressService) IsAddressAvailable(ctx context.Context, candidate string) (bool, error) {
	candidate = strings.ToLower(strings.TrimSpace(candidate))
	if !lnurl.ValidLocalPart(candidate) || lnurl.IsReserved(candidate) || lnurl.IsCompositeLocalPart(candidate) {
		return false, nil
	}
	taken, err := s.addrs.LocalPartTaken(ctx, candidate, s.domain)
	if err != nil {
		return false, err
	}
	return !taken, nil
}

// ClaimAddressInput describes a claim. Overrides are applied on top of the
// default metadata and settings; its Enabled field is ignored.
type ClaimAddressInput struct {
	LocalPart string
	Type      string
	GroupID   *uuid.UUID
	Overrides *AddressUpdate
}

// Claim registers an address for userID. Personal and group claims take the
// requested local part; member-of-group claims derive it from the member's
// personal address and the group address.
func (s *AddressService) Claim(ctx context.Context, userID uuid.UUID, in ClaimAddressInput) (*models.Address, error) {
	if in.Type == "" {
		in.Type = models.AddressPersonal
	}

	addr := &models.Address{
		Domain:   s.domain,
		Type:     in.Type,
		OwnerID:  userID,
		Metadata: s.defaultMetadata(),
		Settings: models.AddressSettings{Enabled: true, AllowComments: true, NotifyOnPayment: true},
	}

	switch in.Type {
	case models.AddressPersonal:
		local, err := checkLocalPart(in.LocalPart)
		if err != nil {
			return nil, err
		}
		addr.LocalPart = local

	case models.AddressGroup:
		if in.GroupID == nil {
			return nil, apperr.Validation("group_id is required for group addresses")
		}
		if err := s.requireGroupPermission(ctx, *in.GroupID, userID, rbac.PermManageGroupAddress); err != nil {
			return nil, err
		}
		local, err := checkLocalPart(in.LocalPart)
		if err != nil {
			return nil, err
		}
		addr.LocalPart = local
		addr.GroupID = in.GroupID

	case models.AddressMemberOfGroup:
		if in.GroupID == nil {
			return nil, apperr.Validation("group_id is required for member addresses")
		}
		if err := s.requireGroupPermission(ctx, *in.GroupID, userID, rbac.PermClaimMemberAddress); err != nil {
			return nil, err
		}
		personal, err := s.addrs.GetPersonalByOwner(ctx, userID)
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, apperr.Validation("claim a personal address first")
		}
		if err != nil {
			return nil, err
		}
		groupAddr, err := s.addrs.GetGroupAddress(ctx, *in.GroupID)
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, apperr.NotFound("group has no lightning address")
		}
		if err != nil {
			return nil, err
		}
		addr.LocalPart = lnurl.CompositeLocalPart(personal.LocalPart, groupAddr.LocalPart)
		addr.GroupID = in.GroupID
		addr.MemberAddressID = &personal.ID
		addr.Metadata = groupAddr.Metadata

	default:
		return nil, apperr.Validation("unknown address type %q", in.Type)
	}

	if in.Overrides != nil {
		o := *in.Overrides
		o.Enabled = nil
		applyAddressUpdate(addr, o)
	}
	if err := validateAddressMetadata(addr.Metadata); err != nil {
		return nil, err
	}

	if err := s.addrs.Create(ctx, addr); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			return nil, apperr.Conflict("address %s is not available", addr.FullAddress())
		}
		return nil, err
	}

	s.logAudit(ctx, userID, "address.claim", addr)
	s.log.Info("address claimed",
		zap.String("address", addr.FullAddress()),
		zap.String("type", addr.Type),
		zap.String("owner_id", userID.String()),
	)
	return addr, nil
}

func checkLocalPart(candidate string) (string, error) {
	local := strings.ToLower(strings.TrimSpace(candidate))
	if !lnurl.ValidLocalPart(local) {
		return "", apperr.Validation("address must be 3-32 characters of letters, digits, dot, dash or underscore")
	}
	if lnurl.IsReserved(local) {
		return "", apperr.Validation("address %q is reserved", local)
	}
	if lnurl.IsCompositeLocalPart(local) {
		return "", apperr.Validation("address %q uses the member-group form reserved for group member addresses", local)
	}
	return local, nil
}

func (s *AddressService) defaultMetadata() models.AddressMetadata {
	return models.AddressMetadata{
		MinSendable:    s.defaults.MinSendable,
		MaxSendable:    s.defaults.MaxSendable,
		CommentAllowed: s.defaults.CommentAllowed,
	}
}

func applyAddressUpdate(addr *models.Address, patch AddressUpdate) {
	m := &addr.Metadata
	if patch.Description != nil {
		m.Description = *patch.Description
	}
	if patch.Image != nil {
		m.ImageBase64 = *patch.Image
	}
	if patch.MinSendable != nil {
		m.MinSendable = *patch.MinSendable
	}
	if patch.MaxSendable != nil {
		m.MaxSendable = *patch.MaxSendable
	}
	if patch.CommentAllowed != nil {
		m.CommentAllowed = *patch.CommentAllowed
	}

	st := &addr.Settings
	if patch.AllowComments != nil {
		st.AllowComments = *patch.AllowComments
	}
	if patch.NotifyOnPayment != nil {
		st.NotifyOnPayment = *patch.NotifyOnPayment
	}
	if patch.CustomSuccessMessage != nil {
		st.CustomSuccessMessage = *patch.CustomSuccessMessage
	}
	if patch.Enabled != nil {
		st.Enabled = *patch.Enabled
	}
}

func validateAddressMetadata(m models.AddressMetadata) error {
	if m.MinSendable <= 0 || m.MaxSendable < m.MinSendable {
		return apperr.Validation("invalid sendable range %d..%d", m.MinSendable, m.MaxSendable)
	}
	if m.CommentAllowed < 0 {
		return apperr.Validation("comment_allowed cannot be negative")
	}
	return nil
}

func (s *AddressService) requireGroupPermission(ctx context.Context, groupID, userID uuid.UUID, perm string) error {
	return requireGroupPerm(ctx, s.groups, groupID, userID, perm)
}

// AddressUpdate patches metadata and settings. Nil fields are left alone.
type AddressUpdate struct {
	Description          *string
	Image                *string
	MinSendable          *int64
	MaxSendable          *int64
	CommentAllowed       *int
	AllowComments        *bool
	NotifyOnPayment      *bool
	CustomSuccessMessage *string
	Enabled              *bool
}

func (s *AddressService) Update(ctx context.Context, userID, id uuid.UUID, patch AddressUpdate) (*models.Address, error) {
	addr, err := s.authorizeManage(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	applyAddressUpdate(addr, patch)
	if err := validateAddressMetadata(addr.Metadata); err != nil {
		return nil, err
	}

	if err := s.addrs.Update(ctx, addr); err != nil {
		return nil, err
	}
	s.logAudit(ctx, userID, "address.update", addr)
	return addr, nil
}

// Disable soft-deletes an address. It stops resolving but keeps its local part.
func (s *AddressService) Disable(ctx context.Context, userID, id uuid.UUID) error {
	addr, err := s.authorizeManage(ctx, userID, id)
	if err != nil {
		return err
	}
	addr.Settings.Enabled = false
	if err := s.addrs.Update(ctx, addr); err != nil {
		return err
	}
	s.logAudit(ctx, userID, "address.disable", addr)
	return nil
}

// Get returns an address the caller owns, or one of a group they can view.
func (s *AddressService) Get(ctx context.Context, userID, id uuid.UUID) (*models.Address, error) {
	addr, err := s.addrs.GetByID(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, apperr.NotFound("address not found")
	}
	if err != nil {
		return nil, err
	}
	if addr.OwnerID == userID {
		return addr, nil
	}
	if addr.GroupID != nil {
		if err := s.requireGroupPermission(ctx, *addr.GroupID, userID, rbac.PermViewGroupHistory); err == nil {
			return addr, nil
		}
	}
	return nil, apperr.NotFound("address not found")
}

func (s *AddressService) List(ctx context.Context, userID uuid.UUID) ([]models.Address, error) {
	return s.addrs.ListByOwner(ctx, userID)
}

// authorizeManage allows the owner, and for group addresses any member whose
// role may manage the group address.
func (s *AddressService) authorizeManage(ctx context.Context, userID, id uuid.UUID) (*models.Address, error) {
	addr, err := s.addrs.GetByID(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, apperr.NotFound("address not found")
	}
	if err != nil {
		return nil, err
	}
	if addr.OwnerID == userID {
		return addr, nil
	}
	if addr.Type == models.AddressGroup && addr.GroupID != nil {
		if err := s.requireGroupPermission(ctx, *addr.GroupID, userID, rbac.PermManageGroupAddress); err != nil {
			return nil, err
		}
		return addr, nil
	}
	return nil, apperr.NotFound("address not found")
}

func (s *AddressService) logAudit(ctx context.Context, userID uuid.UUID, action string, addr *models.Address) {
	err := s.audit.Log(ctx, models.AuditLog{
		ActorUserID: &userID,
		ActorType:   models.ActorUser,
		Action:      action,
		EntityType:  models.AuditEntityAddress,
		EntityID:    &addr.ID,
		Meta:        map[string]any{"address": addr.FullAddress(), "type": addr.Type},
	})
	if err != nil {
		s.log.Warn("audit log failed", zap.String("action", action), zap.Error(err))
	}
}
