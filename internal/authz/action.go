// Package authz implements the platform permission model that guards
// registry operations and filters catalog listings.
package authz

// Action is a permission level. Stronger actions subsume weaker ones.
type Action string

// Permission levels ordered from weakest to strongest.
const (
	ActionDeny   Action = "deny"
	ActionList   Action = "list"
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionManage Action = "manage"
)

var actionLevels = map[Action]int{
	ActionDeny:   0,
	ActionList:   1,
	ActionRead:   2,
	ActionWrite:  3,
	ActionManage: 4,
}

// Covers reports whether a grants at least the required level. Unknown
// actions grant nothing.
func (a Action) Covers(required Action) bool {
	level, ok := actionLevels[a]
	if !ok {
		return false
	}
	return level >= actionLevels[required]
}
