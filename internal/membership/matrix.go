// Package membership answers "is this user in that channel" for the access gate.
//
// Channels are Matrix rooms; a user is a member when the homeserver lists them
// among the room's joined members.
package membership

import (
	"context"
	"fmt"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// MatrixConfig holds Matrix client settings.
type MatrixConfig struct {
	Homeserver  string        `yaml:"homeserver"`
	UserID      string        `yaml:"user_id"`
	AccessToken string        `yaml:"access_token"`
	CacheTTL    time.Duration `yaml:"membership_cache_ttl"`
}

// Enabled reports whether enough is configured to build a client.
func (c *MatrixConfig) Enabled() bool {
	return c.Homeserver != "" && c.AccessToken != ""
}

// Validate checks Matrix configuration.
func (c *MatrixConfig) Validate() error {
	if c.Homeserver == "" && c.AccessToken == "" {
		return nil
	}
	if c.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required when matrix.access_token is set")
	}
	if c.AccessToken == "" {
		return fmt.Errorf("matrix.access_token is required when matrix.homeserver is set")
	}
	return nil
}

// MatrixChecker checks room membership through a Matrix homeserver.
type MatrixChecker struct {
	client *mautrix.Client
}

// NewMatrixChecker creates a checker authenticated as the configured bot user.
func NewMatrixChecker(cfg MatrixConfig) (*MatrixChecker, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}
	return &MatrixChecker{client: client}, nil
}

// IsMember implements access.MembershipChecker.
func (m *MatrixChecker) IsMember(ctx context.Context, userID, channelID string) (bool, error) {
	resp, err := m.client.JoinedMembers(ctx, id.RoomID(channelID))
	if err != nil {
		return false, fmt.Errorf("joined members of %s: %w", channelID, err)
	}
	_, ok := resp.Joined[id.UserID(userID)]
	return ok, nil
}
