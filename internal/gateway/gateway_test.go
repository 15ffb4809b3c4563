package gateway

import (
	"encoding/json"
	"errors"
	"testing"

	"chessmata-core/internal/coordinator"
)

func TestErrorMessage_MapsKnownCoordinatorErrors(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{coordinator.ErrWrongTurn, "not your turn"},
		{coordinator.ErrIllegalMove, "illegal move"},
		{coordinator.ErrDrawOfferCapped, "draw offer limit reached"},
		{errors.New("some unrelated internal failure"), "request failed"},
	}
	for _, tc := range cases {
		if got := errorMessage(tc.err); got != tc.want {
			t.Errorf("errorMessage(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestWithGameID_RejectsMissingGameID(t *testing.T) {
	g := &Gateway{}
	err := g.withGameID(json.RawMessage(`{}`), func(string) error {
		t.Fatal("fn should not run without a gameId")
		return nil
	})
	if err == nil {
		t.Fatal("expected an error for missing gameId")
	}
}

func TestWithGameID_PassesGameIDThrough(t *testing.T) {
	g := &Gateway{}
	var seen string
	err := g.withGameID(json.RawMessage(`{"gameId":"abc123"}`), func(id string) error {
		seen = id
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen != "abc123" {
		t.Fatalf("got gameId %q, want abc123", seen)
	}
}

func TestInboundFrame_DecodesTypeAckAndPayload(t *testing.T) {
	raw := []byte(`{"type":"make_move","ackId":"1","payload":{"gameId":"g1","move":{"from":"e2","to":"e4"}}}`)
	var in inboundFrame
	if err := json.Unmarshal(raw, &in); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if in.Type != EventMakeMove || in.AckID != "1" {
		t.Fatalf("unexpected decode: %+v", in)
	}
	var p movePayload
	if err := json.Unmarshal(in.Payload, &p); err != nil {
		t.Fatalf("payload unmarshal failed: %v", err)
	}
	if p.GameID != "g1" || p.Move.From != "e2" || p.Move.To != "e4" {
		t.Fatalf("unexpected payload decode: %+v", p)
	}
}
