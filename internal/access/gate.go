// Package access decides whether an inbound message may invoke the gateway.
//
// The gate is a pure decision over an immutable Policy plus one collaborator,
// the MembershipChecker, for the optional mandatory channel.
package access

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
)

// Reason explains a Decision.
type Reason string

const (
	ReasonAllowed            Reason = "allowed"
	ReasonAdmin              Reason = "admin"
	ReasonNotAllowed         Reason = "not_allowed"
	ReasonMembershipRequired Reason = "membership_required"
	// ReasonNotTriggered means the message is not addressed to the bot. It is
	// not a denial and callers should stay silent.
	ReasonNotTriggered Reason = "not_triggered"
)

// MembershipChecker reports whether a user currently belongs to a channel.
// Implementations may fail transiently.
type MembershipChecker interface {
	IsMember(ctx context.Context, userID, channelID string) (bool, error)
}

// Request is the part of an inbound message the gate looks at.
type Request struct {
	UserID  string
	ChatID  string
	IsGroup bool
	Text    string
}

// Decision is the gate's verdict.
type Decision struct {
	Allowed    bool
	Reason     Reason
	InviteLink string // Set with ReasonMembershipRequired
}

// Gate evaluates Policy for each request.
type Gate struct {
	policy  Policy
	members MembershipChecker
}

// NewGate creates a gate. members may be nil when no mandatory channel is set.
func NewGate(policy Policy, members MembershipChecker) *Gate {
	return &Gate{policy: policy, members: members}
}

// Policy returns the gate's policy.
func (g *Gate) Policy() Policy { return g.policy }

// IsAuthorized decides whether req may proceed.
//
// Order: group trigger keyword, then admin override, then allow-list, then the
// mandatory channel. The trigger check applies to admins too because an
// untriggered group message is not addressed to the bot at all.
func (g *Gate) IsAuthorized(ctx context.Context, req Request) Decision {
	p := g.policy

	if req.IsGroup && p.GroupTriggerKeyword != "" && !strings.Contains(req.Text, p.GroupTriggerKeyword) {
		return Decision{Reason: ReasonNotTriggered}
	}

	if p.IsAdmin(req.UserID) {
		return Decision{Allowed: true, Reason: ReasonAdmin}
	}

	if !p.AllowedUsers.Contains(req.UserID) {
		log.Debug().Str("user_id", req.UserID).Str("chat_id", req.ChatID).Msg("access: user not on allow-list")
		return Decision{Reason: ReasonNotAllowed}
	}

	if p.MandatoryChannelID != "" {
		if !g.isMember(ctx, req.UserID) {
			return Decision{Reason: ReasonMembershipRequired, InviteLink: p.MandatoryChannelLink}
		}
	}

	return Decision{Allowed: true, Reason: ReasonAllowed}
}

// isMember asks the checker once. Errors count as "not a member".
func (g *Gate) isMember(ctx context.Context, userID string) bool {
	if g.members == nil {
		log.Warn().Str("channel_id", g.policy.MandatoryChannelID).Msg("access: mandatory channel set but no membership checker configured")
		return false
	}
	ok, err := g.members.IsMember(ctx, userID, g.policy.MandatoryChannelID)
	if err != nil {
		log.Warn().Err(err).
			Str("user_id", userID).
			Str("channel_id", g.policy.MandatoryChannelID).
			Msg("access: membership check failed, treating as non-member")
		return false
	}
	return ok
}

// StripTrigger removes the group trigger keyword from text before it is
// forwarded to the backend.
func (g *Gate) StripTrigger(text string) string {
	kw := g.policy.GroupTriggerKeyword
	if kw == "" {
		return text
	}
	return strings.TrimSpace(strings.ReplaceAll(text, kw, ""))
}
