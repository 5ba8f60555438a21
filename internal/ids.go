package internal

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

func randomHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		panic("ids: crypto/rand read failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// NewEventID mints an opaque event ID, e.g. "$3f9a...".
func NewEventID() string {
	return "$" + randomHex(16)
}

// NewRoomID mints a room ID in the form "!<opaque>:domain".
func NewRoomID(domain string) string {
	return "!" + randomHex(16) + ":" + domain
}

// NewAccessToken mints an opaque bearer token, e.g. "mda_ab12...".
func NewAccessToken() string {
	return "mda_" + randomHex(16)
}

// NewDeviceID mints a device ID, e.g. "CHAT_A1B2C3D4".
func NewDeviceID() string {
	return "CHAT_" + strings.ToUpper(randomHex(4))
}

// UserID builds a user ID in the form "@username:domain".
func UserID(username, domain string) string {
	return "@" + username + ":" + domain
}

// RoomAlias derives a public room alias from its name: lowercased, whitespace
// collapsed to underscores, everything outside [a-z0-9_] stripped.
func RoomAlias(roomName, domain string) string {
	alias := strings.ToLower(roomName)
	alias = strings.Join(strings.Fields(alias), "_")
	var b strings.Builder
	for _, r := range alias {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	return "#" + b.String() + ":" + domain
}

// Localpart extracts "username" from "@username:domain". Returns the input
// unchanged if it is not in user ID form.
func Localpart(userID string) string {
	if strings.HasPrefix(userID, "@") && strings.Contains(userID, ":") {
		return userID[1:strings.Index(userID, ":")]
	}
	return userID
}

// WorldRoomAlias is the well-known alias of the public world channel.
func WorldRoomAlias(domain string) string {
	return fmt.Sprintf("#world:%s", domain)
}
