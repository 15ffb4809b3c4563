package model

// TimeControlMode names a preset time budget.
type TimeControlMode string

const (
	TimeUnlimited  TimeControlMode = "unlimited"
	TimeCasual     TimeControlMode = "casual"
	TimeStandard   TimeControlMode = "standard"
	TimeQuick      TimeControlMode = "quick"
	TimeBlitz      TimeControlMode = "blitz"
	TimeTournament TimeControlMode = "tournament"
)

// TimeControl is the base-time/increment pair a game is created with.
type TimeControl struct {
	Mode        TimeControlMode `bson:"mode" json:"mode"`
	BaseMs      int64           `bson:"baseMs" json:"baseMs"`
	IncrementMs int64           `bson:"incrementMs" json:"incrementMs"`
	Label       string          `bson:"label" json:"label"`
}

func (tc TimeControl) IsUnlimited() bool {
	return tc.Mode == TimeUnlimited || tc.Mode == ""
}

var timeControlConfigs = map[TimeControlMode]TimeControl{
	TimeUnlimited:  {Mode: TimeUnlimited, BaseMs: 0, IncrementMs: 0, Label: "Unlimited"},
	TimeCasual:     {Mode: TimeCasual, BaseMs: 30 * 60 * 1000, IncrementMs: 0, Label: "30 min"},
	TimeStandard:   {Mode: TimeStandard, BaseMs: 15 * 60 * 1000, IncrementMs: 10 * 1000, Label: "15|10"},
	TimeQuick:      {Mode: TimeQuick, BaseMs: 10 * 60 * 1000, IncrementMs: 5 * 1000, Label: "10|5"},
	TimeBlitz:      {Mode: TimeBlitz, BaseMs: 5 * 60 * 1000, IncrementMs: 3 * 1000, Label: "5|3"},
	TimeTournament: {Mode: TimeTournament, BaseMs: 90 * 60 * 1000, IncrementMs: 30 * 1000, Label: "90|30"},
}

func IsValidTimeControlMode(mode string) bool {
	_, ok := timeControlConfigs[TimeControlMode(mode)]
	return ok
}

func GetTimeControl(mode TimeControlMode) TimeControl {
	if tc, ok := timeControlConfigs[mode]; ok {
		return tc
	}
	return timeControlConfigs[TimeUnlimited]
}
