// Package security decides whether a caller may run a command. Policy is
// default-deny: the owner always passes, everyone else needs an allow
// rule that no higher-priority rule overrides. Rules are data held in
// the configuration store, so operators can restrict commands from chat
// without touching module code.
package security

import "fmt"

// Level is the minimum privilege tier a command demands.
type Level int

const (
	// LevelPublic commands run for any user in any chat.
	LevelPublic Level = iota

	// LevelChatAdmin commands require admin rights in the chat the
	// command was issued from.
	LevelChatAdmin

	// LevelOwnerOnly commands run only for the session owner.
	LevelOwnerOnly

	// LevelExplicitOnly commands require the caller to be on the
	// command's allow list.
	LevelExplicitOnly
)

var levelNames = map[Level]string{
	LevelPublic:       "public",
	LevelChatAdmin:    "chat_admin",
	LevelOwnerOnly:    "owner_only",
	LevelExplicitOnly: "explicit_only",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel converts a stored level name back to a Level.
func ParseLevel(name string) (Level, error) {
	for level, known := range levelNames {
		if known == name {
			return level, nil
		}
	}
	return 0, fmt.Errorf("unknown security level %q", name)
}
