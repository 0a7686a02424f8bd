package event

import (
	"fmt"
	"strings"
)

// Channel names follow a pattern:
//
//	workspace:<id>  — events for everyone connected to a workspace
//	user:<id>       — events addressed to all of one user's connections
//	broadcast:all   — fleet-wide announcements
const ChannelBroadcast = "broadcast:all"

// WorkspaceChannel returns the bus channel for a workspace.
func WorkspaceChannel(workspaceID string) string { return "workspace:" + workspaceID }

// UserChannel returns the bus channel for a user.
func UserChannel(userID string) string { return "user:" + userID }

// ParseChannel splits a channel name into its kind and entity ID.
// Returns ("broadcast", "all") for the broadcast channel.
func ParseChannel(channel string) (kind, entityID string) {
	idx := strings.IndexByte(channel, ':')
	if idx < 0 {
		return "", ""
	}
	return channel[:idx], channel[idx+1:]
}

// ValidateChannel checks whether a channel string is well formed.
func ValidateChannel(channel string) error {
	kind, entityID := ParseChannel(channel)
	if kind == "" || entityID == "" {
		return fmt.Errorf("event: invalid channel %q", channel)
	}
	switch kind {
	case "workspace", "user", "broadcast":
		return nil
	default:
		return fmt.Errorf("event: unknown channel kind %q", kind)
	}
}
