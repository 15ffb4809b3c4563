package model

// Status is the game's top-level lifecycle state (data model invariant 1).
type Status string

const (
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
)

// Result is the game's outcome once Status is StatusCompleted.
type Result string

const (
	ResultNone    Result = ""
	ResultWhite   Result = "white"
	ResultBlack   Result = "black"
	ResultDraw    Result = "draw"
	ResultAborted Result = "aborted"
)

// ResultReason tags why a game ended. A closed set rather than free-form
// strings, so a switch over it is exhaustive.
type ResultReason string

const (
	ReasonNone                         ResultReason = ""
	ReasonCheckmate                    ResultReason = "checkmate"
	ReasonStalemate                    ResultReason = "stalemate"
	ReasonDraw                         ResultReason = "draw"
	ReasonTimeout                      ResultReason = "timeout"
	ReasonResignation                  ResultReason = "resignation"
	ReasonDisconnectTimeout            ResultReason = "disconnect_timeout"
	ReasonDrawAgreed                   ResultReason = "draw_agreed"
	ReasonThreefoldRepetition          ResultReason = "threefold_repetition"
	ReasonFiftyMoveRule                ResultReason = "fifty_moves"
	ReasonInsufficientMaterial         ResultReason = "insufficient_material"
	ReasonCancelledFirstMoveTimeout    ResultReason = "cancelled_due_to_first_move_timeout"
)

// WinnerOf returns the Result corresponding to the given color winning.
func WinnerOf(c Color) Result {
	switch c {
	case White:
		return ResultWhite
	case Black:
		return ResultBlack
	default:
		return ResultNone
	}
}
