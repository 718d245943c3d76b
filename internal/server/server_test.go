package server

import (
	"testing"

	"github.com/park285/cheese-arena/internal/matchmaking"
	"github.com/park285/cheese-arena/internal/protocol"
	"github.com/park285/cheese-arena/internal/session"
)

func TestReasonMapping(t *testing.T) {
	cases := []struct {
		err  error
		want protocol.Reason
	}{
		{session.ErrOutOfTurn, protocol.ReasonOutOfTurn},
		{session.ErrIllegalMove, protocol.ReasonIllegalMove},
		{session.ErrAlreadyInSession, protocol.ReasonAlreadyInSession},
		{session.ErrDesync, protocol.ReasonDesync},
		{session.ErrClockExpired, protocol.ReasonSessionFinished},
		{session.ErrFinished, protocol.ReasonSessionFinished},
		{session.ErrNotActive, protocol.ReasonSessionFinished},
		{session.ErrRoomNotFound, protocol.ReasonRoomNotFound},
		{session.ErrRoomFull, protocol.ReasonRoomFull},
		{session.ErrNotParticipant, protocol.ReasonNotInSession},
		{session.ErrNoDrawOffer, protocol.ReasonNoDrawOffer},
		{matchmaking.ErrAlreadyQueued, protocol.ReasonAlreadyQueued},
	}
	for _, c := range cases {
		if got := reasonOf(c.err); got != c.want {
			t.Fatalf("reasonOf(%v) = %q, want %q", c.err, got, c.want)
		}
	}
	if got := reasonOf(assertErr("boom")); got != protocol.ReasonInternal {
		t.Fatalf("unknown error mapped to %q, want internal", got)
	}
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
