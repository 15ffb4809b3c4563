package model

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MaxDrawOffers caps each player's draw-offer counter.
const MaxDrawOffers = 2

// DisconnectGraceMs is the fixed window a disconnected player has to
// reconnect before forfeiting.
const DisconnectGraceMs = 20_000

// FirstMoveDeadlineMs is how long a newly created game waits for White's
// first move before it's auto-cancelled.
const FirstMoveDeadlineMs = 30_000

const InitialBoardFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Move is one recorded ply, kept for history read-back. Not the authority
// on position; Game.History is.
type Move struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	GameID     primitive.ObjectID `bson:"gameId" json:"gameId"`
	SessionID  string             `bson:"sessionId" json:"sessionId"`
	PlayerID   string             `bson:"playerId" json:"playerId"`
	MoveNumber int                `bson:"moveNumber" json:"moveNumber"`
	From       string             `bson:"from" json:"from"`
	To         string             `bson:"to" json:"to"`
	Notation   string             `bson:"notation" json:"notation"`
	Promotion  string             `bson:"promotion,omitempty" json:"promotion,omitempty"`
	Capture    bool               `bson:"capture" json:"capture"`
	Check      bool               `bson:"check" json:"check"`
	Checkmate  bool               `bson:"checkmate" json:"checkmate"`
	CreatedAt  time.Time          `bson:"createdAt" json:"createdAt"`
}

// Game is the sole persisted entity the game engine touches. SessionID is
// the public key; clock, premove, disconnect, stats, draw-offer, and
// rematch state all live on the one document so a single load is enough to
// serve any operation.
type Game struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	SessionID string             `bson:"sessionId" json:"sessionId"`

	WhitePlayerID string `bson:"whitePlayerId" json:"whitePlayerId"`
	BlackPlayerID string `bson:"blackPlayerId,omitempty" json:"blackPlayerId,omitempty"`

	Status       Status       `bson:"status" json:"status"`
	Result       Result       `bson:"result,omitempty" json:"result,omitempty"`
	ResultReason ResultReason `bson:"resultReason,omitempty" json:"resultReason,omitempty"`

	// History is the ordered half-move sequence in UCI-ish "e2e4"/"e7e8q"
	// notation the rules adapter consumes to rebuild position.
	History []string `bson:"history" json:"history"`
	// BoardState mirrors the current FEN for cheap reads. Derived, never
	// the authority; recomputed from History via the rules adapter.
	BoardState string `bson:"boardState" json:"boardState"`

	TimeControl TimeControl   `bson:"timeControl" json:"timeControl"`
	Clock       ClockSnapshot `bson:"clock" json:"clock"`

	QueuedPremoves map[Color]Premove `bson:"queuedPremoves,omitempty" json:"queuedPremoves,omitempty"`

	DisconnectedPlayerID string `bson:"disconnectedPlayerId,omitempty" json:"disconnectedPlayerId,omitempty"`
	DisconnectDeadlineMs int64  `bson:"disconnectDeadlineMs,omitempty" json:"disconnectDeadlineMs,omitempty"`

	StatsApplied bool `bson:"statsApplied" json:"statsApplied"`

	PendingDrawOfferFrom Color `bson:"pendingDrawOfferFrom,omitempty" json:"pendingDrawOfferFrom,omitempty"`
	WhiteDrawOffers      int   `bson:"whiteDrawOffers" json:"whiteDrawOffers"`
	BlackDrawOffers      int   `bson:"blackDrawOffers" json:"blackDrawOffers"`

	RematchOfferFrom Color  `bson:"rematchOfferFrom,omitempty" json:"rematchOfferFrom,omitempty"`
	RematchDeclined  bool   `bson:"rematchDeclined,omitempty" json:"rematchDeclined,omitempty"`
	NextGameID       string `bson:"nextGameId,omitempty" json:"nextGameId,omitempty"`

	CreatedAt   time.Time  `bson:"createdAt" json:"createdAt"`
	UpdatedAt   time.Time  `bson:"updatedAt" json:"updatedAt"`
	StartedAt   *time.Time `bson:"startedAt,omitempty" json:"startedAt,omitempty"`
	CompletedAt *time.Time `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
}

// PlayerColor returns the color the given user id is playing, or NoColor.
func (g *Game) PlayerColor(userID string) Color {
	switch userID {
	case g.WhitePlayerID:
		return White
	case g.BlackPlayerID:
		return Black
	default:
		return NoColor
	}
}

// IsPlayer reports whether userID occupies either seat.
func (g *Game) IsPlayer(userID string) bool {
	return g.PlayerColor(userID) != NoColor
}

// PlayerForColor is the inverse of PlayerColor: the user id occupying a seat.
func (g *Game) PlayerForColor(c Color) string {
	if c == White {
		return g.WhitePlayerID
	}
	return g.BlackPlayerID
}

// DrawOffersFor returns the offer counter for a color.
func (g *Game) DrawOffersFor(c Color) int {
	if c == White {
		return g.WhiteDrawOffers
	}
	return g.BlackDrawOffers
}

// NewGameID mints an opaque session identifier.
func NewGameID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// NewGame constructs a freshly primed game: clocks set to baseMs,
// activeColor none, and a 30s first-move deadline.
func NewGame(sessionID, whitePlayerID, blackPlayerID string, tc TimeControl) *Game {
	now := time.Now()
	nowMs := now.UnixMilli()
	g := &Game{
		SessionID:     sessionID,
		WhitePlayerID: whitePlayerID,
		BlackPlayerID: blackPlayerID,
		Status:        StatusOngoing,
		History:       []string{},
		BoardState:    InitialBoardFEN,
		TimeControl:   tc,
		Clock: ClockSnapshot{
			WhiteMs:             tc.BaseMs,
			BlackMs:             tc.BaseMs,
			ActiveColor:         NoColor,
			BaseMs:              tc.BaseMs,
			IncrementMs:         tc.IncrementMs,
			FirstMoveDeadlineMs: nowMs + FirstMoveDeadlineMs,
		},
		CreatedAt: now,
		UpdatedAt: now,
		StartedAt: &now,
	}
	return g
}
