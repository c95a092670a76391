package whatsapp

import (
	"strings"

	"go.mau.fi/whatsmeow/types"
)

func composeJID(id string) types.JID {
	if strings.ContainsRune(id, '@') {
		if parsed, err := types.ParseJID(id); err == nil && parsed.Server != "" {
			return parsed
		}
	}

	id = decomposeJID(id)
	if strings.ContainsRune(id, '-') || len(id) >= 18 {
		return types.NewJID(id, types.GroupServer)
	}
	return types.NewJID(id, types.DefaultUserServer)
}

func decomposeJID(id string) string {
	if strings.ContainsRune(id, '@') {
		id = strings.SplitN(id, "@", 2)[0]
	}
	return strings.TrimPrefix(id, "+")
}

func isGroupJID(id string) bool {
	return composeJID(id).Server == types.GroupServer
}
