package analytics

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/park285/cheese-club-session/internal/bet"
	"github.com/park285/cheese-club-session/internal/session"
)

func decodeEvent(t *testing.T, raw []byte) Event {
	t.Helper()
	var ev Event
	require.NoError(t, json.Unmarshal(raw, &ev))
	return ev
}

func TestGameEndIsPublished(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	var got Event
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		got = decodeEvent(t, val)
		return nil
	})
	p := NewWithProducer(sp, "", "sess-1", nil)

	p.GameEnd(session.GameEndRecord{Winner: session.WinnerYou, Reason: session.ReasonCheckmate, GameID: "g-1", EndedAt: time.Now()})
	require.NoError(t, p.Close())

	assert.Equal(t, EventGameEnd, got.Type)
	assert.Equal(t, "sess-1", got.SessionID)
	data, ok := got.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "checkmate", data["reason"])
}

func TestBetResultSendFailureIsSwallowed(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(errors.New("broker down"))
	p := NewWithProducer(sp, "topic", "sess-1", nil)

	assert.NotPanics(t, func() { p.BetResult(bet.Result{BetID: "bet-1"}) })
	require.NoError(t, p.Close())
}

func TestConnectionStateOnlyOnTransitions(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		ev := decodeEvent(t, val)
		if ev.Type != EventConnectionState {
			return errors.New("unexpected type " + string(ev.Type))
		}
		return nil
	})
	p := NewWithProducer(sp, "topic", "sess-1", nil)

	connected := session.Snapshot{State: session.StateConnected}
	dropped := session.Snapshot{State: session.StateDisconnected, Window: &session.DisconnectionWindow{}}
	ticked := dropped
	ticked.Window = &session.DisconnectionWindow{ElapsedSeconds: 1}

	p.ConnectionState(connected, dropped)
	p.ConnectionState(dropped, ticked)
	require.NoError(t, p.Close())
}

func TestDisabledProducerDropsEverything(t *testing.T) {
	p := NewProducer(nil, "", "sess-1", nil)
	assert.False(t, p.Enabled())
	p.GameEnd(session.GameEndRecord{})
	p.BetResult(bet.Result{})
	assert.NoError(t, p.Close())
}
