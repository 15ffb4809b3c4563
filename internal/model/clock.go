package model

// ClockSnapshot is the persisted/in-memory representation the clock engine
// (internal/clock) transforms. It carries no behavior itself; the engine is
// a pure transformation over values of this type.
type ClockSnapshot struct {
	WhiteMs             int64 `bson:"whiteMs" json:"whiteMs"`
	BlackMs             int64 `bson:"blackMs" json:"blackMs"`
	ActiveColor         Color `bson:"activeColor" json:"activeColor"`
	LastMoveAtMs        int64 `bson:"lastMoveAtMs" json:"lastMoveAtMs"`
	FirstMoveDeadlineMs int64 `bson:"firstMoveDeadlineMs,omitempty" json:"firstMoveDeadlineMs,omitempty"`
	MoveCount           int   `bson:"moveCount" json:"moveCount"`
	BaseMs              int64 `bson:"baseMs" json:"baseMs"`
	IncrementMs         int64 `bson:"incrementMs" json:"incrementMs"`
}

// RemainingMs returns the stored (unprojected) remaining time for a color.
func (c ClockSnapshot) RemainingMs(color Color) int64 {
	if color == White {
		return c.WhiteMs
	}
	return c.BlackMs
}
