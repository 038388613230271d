package access

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds access settings.
type Config struct {
	AdminUserIDs         IDList `yaml:"admin_user_ids"`
	AllowedUserIDs       IDList `yaml:"allowed_user_ids"` // "*" allows everyone
	MandatoryChannelID   string `yaml:"mandatory_channel_id"`
	MandatoryChannelLink string `yaml:"mandatory_channel_link"`
	GroupTriggerKeyword  string `yaml:"group_trigger_keyword"`
}

// Validate checks access configuration.
func (c *Config) Validate() error {
	if c.MandatoryChannelID != "" && c.MandatoryChannelLink == "" {
		return fmt.Errorf("access.mandatory_channel_link is required when mandatory_channel_id is set")
	}
	if c.AdminUserIDs.All {
		return fmt.Errorf("access.admin_user_ids cannot be \"*\"")
	}
	return nil
}

// Policy builds the immutable access policy.
func (c *Config) Policy() Policy {
	return Policy{
		Admins:               c.AdminUserIDs,
		AllowedUsers:         c.AllowedUserIDs,
		MandatoryChannelID:   c.MandatoryChannelID,
		MandatoryChannelLink: c.MandatoryChannelLink,
		GroupTriggerKeyword:  c.GroupTriggerKeyword,
	}
}

// Policy is the read-only access policy shared by all requests.
type Policy struct {
	Admins               IDList
	AllowedUsers         IDList
	MandatoryChannelID   string
	MandatoryChannelLink string
	GroupTriggerKeyword  string
}

// IsAdmin reports whether userID is an administrator.
func (p Policy) IsAdmin(userID string) bool {
	return !p.Admins.All && p.Admins.Contains(userID)
}

// IDList is either the wildcard "*" or an explicit set of ids.
type IDList struct {
	All bool
	IDs []string
}

// AllIDs returns the wildcard list.
func AllIDs() IDList { return IDList{All: true} }

// IDs returns an explicit list.
func IDs(ids ...string) IDList { return IDList{IDs: ids} }

// Contains reports whether id is in the list.
func (l IDList) Contains(id string) bool {
	if l.All {
		return true
	}
	for _, v := range l.IDs {
		if v == id {
			return true
		}
	}
	return false
}

// ParseIDList parses "*" or a comma-separated list.
func ParseIDList(s string) IDList {
	s = strings.TrimSpace(s)
	if s == "*" {
		return AllIDs()
	}
	var ids []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			ids = append(ids, part)
		}
	}
	return IDList{IDs: ids}
}

// UnmarshalYAML accepts "*", a comma-separated string, or a sequence.
func (l *IDList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*l = ParseIDList(node.Value)
		return nil
	case yaml.SequenceNode:
		var ids []string
		if err := node.Decode(&ids); err != nil {
			return err
		}
		for _, id := range ids {
			if strings.TrimSpace(id) == "*" {
				*l = AllIDs()
				return nil
			}
		}
		*l = IDList{IDs: ids}
		return nil
	}
	return fmt.Errorf("id list: unsupported YAML node at line %d", node.Line)
}

// MarshalYAML renders the list back in its short form.
func (l IDList) MarshalYAML() (interface{}, error) {
	if l.All {
		return "*", nil
	}
	return l.IDs, nil
}
