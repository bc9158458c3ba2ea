package transport

import "encoding/json"

// Event names a frame on the session channel.
type Event string

// Matchmaking.
const (
	EventJoinMatchmaking   Event = "join_matchmaking"
	EventCancelMatchmaking Event = "cancel_matchmaking"
	EventMatchFound        Event = "match_found"
	EventMatchmakingError  Event = "matchmaking_error"
	EventMatchmakingStatus Event = "matchmaking_status"
)

// Game actions, client to server.
const (
	EventOfferDraw   Event = "offer_draw"
	EventAcceptDraw  Event = "accept_draw"
	EventDeclineDraw Event = "decline_draw"
	EventResignGame  Event = "resign_game"
	EventAbortGame   Event = "abort_game"
	EventRejoinGame  Event = "rejoin_game"
)

// Game termination, server to client.
const (
	EventGameEnd              Event = "game_end"
	EventCheckmate            Event = "checkmate"
	EventTimeout              Event = "timeout"
	EventResignation          Event = "resignation"
	EventDrawAgreement        Event = "draw_agreement"
	EventStalemate            Event = "stalemate"
	EventInsufficientMaterial Event = "insufficient_material"
	EventThreefoldRepetition  Event = "threefold_repetition"
	EventFiftyMoveRule        Event = "fifty_move_rule"
)

// Bet challenges.
const (
	EventCreateBetChallenge      Event = "create_bet_challenge"
	EventCancelBetChallenge      Event = "cancel_bet_challenge"
	EventRespondBetChallenge     Event = "respond_bet_challenge"
	EventCheckBetChallengeStatus Event = "check_bet_challenge_status"
	EventBetChallengeReceived    Event = "bet_challenge_received"
	EventBetChallengeResponse    Event = "bet_challenge_response"
	EventBetChallengeExpired     Event = "bet_challenge_expired"
	EventBetChallengeCancelled   Event = "bet_challenge_cancelled"
	EventBetResult               Event = "bet_result"
	EventPendingBetChallenges    Event = "pending_bet_challenges"
	EventBetGameReady            Event = "bet_game_ready"
)

// FrameKind distinguishes named events from acknowledgements.
type FrameKind string

const (
	KindEvent FrameKind = "event"
	KindAck   FrameKind = "ack"
)

// Frame is the JSON text message exchanged with the session server.
// AckID on an outgoing event asks the server to answer with an ack frame carrying the same id.
type Frame struct {
	Kind  FrameKind       `json:"kind"`
	Event Event           `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID int64           `json:"ackId,omitempty"`
}

// Handler receives the raw payload of a pushed event.
type Handler func(data json.RawMessage)
