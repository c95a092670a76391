package whatsapp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mau.fi/whatsmeow/types"
)

func TestComposeJID(t *testing.T) {
	assert.Equal(t, types.DefaultUserServer, composeJID("5531999998888").Server)
	assert.Equal(t, "5531999998888", composeJID("+5531999998888").User)
	assert.Equal(t, types.GroupServer, composeJID("120363041234567890").Server)
	assert.Equal(t, types.GroupServer, composeJID("120363041234567890@g.us").Server)
	assert.Equal(t, "5531999998888", composeJID("5531999998888@s.whatsapp.net").User)
}

func TestDecomposeJID(t *testing.T) {
	assert.Equal(t, "5531999998888", decomposeJID("5531999998888@s.whatsapp.net"))
	assert.Equal(t, "5531999998888", decomposeJID("+5531999998888"))
	assert.Equal(t, "5531999998888", decomposeJID("5531999998888"))
}

func TestIsGroupJID(t *testing.T) {
	assert.True(t, isGroupJID("120363041234567890@g.us"))
	assert.False(t, isGroupJID("5531999998888"))
}
