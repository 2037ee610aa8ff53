package discord

import (
	"context"
	"log/slog"
)

// RoleAuthority answers live role-membership queries across the configured
// guilds. It never caches: role state is external truth that can change
// between reconciliation passes. A user found in no guild is not entitled.
type RoleAuthority struct {
	rest          *REST
	log           *slog.Logger
	guildIDs      []string
	requiredRoles map[string]bool
	adminRoles    map[string]bool
}

func NewRoleAuthority(log *slog.Logger, rest *REST, guildIDs, requiredRoleIDs, adminRoleIDs []string) *RoleAuthority {
	return &RoleAuthority{
		rest:          rest,
		log:           log,
		guildIDs:      guildIDs,
		requiredRoles: toSet(requiredRoleIDs),
		adminRoles:    toSet(adminRoleIDs),
	}
}

// HasEntitlement reports whether the user currently holds any entitlement
// role in any configured guild. Confirmed absence from every guild is
// false (fail-closed).
func (ra *RoleAuthority) HasEntitlement(ctx context.Context, discordID string) bool {
	entitled, _ := ra.Entitlement(ctx, discordID)
	return entitled
}

// Entitlement is the error-aware form used by reconciliation. The error is
// non-nil only when no guild gave a definitive answer, so an API outage is
// distinguishable from a user who actually left: revoking on an outage
// would wipe every account.
func (ra *RoleAuthority) Entitlement(ctx context.Context, discordID string) (bool, error) {
	return ra.holdsAny(ctx, discordID, ra.requiredRoles)
}

// HasAdmin reports whether the user holds an administrative role.
func (ra *RoleAuthority) HasAdmin(ctx context.Context, discordID string) bool {
	admin, _ := ra.holdsAny(ctx, discordID, ra.adminRoles)
	return admin
}

func (ra *RoleAuthority) holdsAny(ctx context.Context, discordID string, roles map[string]bool) (bool, error) {
	resolved := false
	var lastErr error
	for _, gid := range ra.guildIDs {
		member, err := ra.rest.GetGuildMember(ctx, gid, discordID)
		if err != nil {
			ra.log.Warn("member_lookup_failed", "guild_id", gid, "user_id", discordID, "error", err)
			lastErr = err
			continue
		}
		resolved = true
		if member == nil {
			continue
		}
		for _, rid := range member.Roles {
			if roles[rid] {
				return true, nil
			}
		}
	}
	if !resolved {
		return false, lastErr
	}
	return false, nil
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
