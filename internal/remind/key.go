package remind

import "strconv"

// Action tags a scheduling artifact kind. Keys combine an action with the
// numeric record id so artifacts for the same record never collide across
// actions.
type Action string

const (
	// ActionRemind keys the one-shot reminder (precise timer or fallback
	// job) for a dose record.
	ActionRemind Action = "remind"
)

// Key identifies one scheduling artifact. It is a value type so it can be
// used directly as a map key.
type Key struct {
	Action   Action
	RecordID int64
}

func RemindKey(recordID int64) Key {
	return Key{Action: ActionRemind, RecordID: recordID}
}

func (k Key) String() string {
	return string(k.Action) + ":" + strconv.FormatInt(k.RecordID, 10)
}
