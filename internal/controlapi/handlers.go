// Package controlapi is the local HTTP surface for driving a running session.
package controlapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/park285/cheese-club-session/internal/adapter/sessionpresenter"
	"github.com/park285/cheese-club-session/internal/bet"
	"github.com/park285/cheese-club-session/internal/session"
	"github.com/park285/cheese-club-session/internal/transport"
)

// Handlers holds API handler dependencies
type Handlers struct {
	sess     *session.Session
	bets     *bet.Coordinator
	format   *sessionpresenter.Formatter
	playerID string
	logger   *zap.Logger
}

func NewHandlers(sess *session.Session, bets *bet.Coordinator, format *sessionpresenter.Formatter, playerID string, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	if format == nil {
		format = sessionpresenter.NewFormatter(nil)
	}
	return &Handlers{sess: sess, bets: bets, format: format, playerID: strings.TrimSpace(playerID), logger: logger}
}

// Routes builds the router.
func (h *Handlers) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLog)
	r.Get("/healthz", Healthz)

	r.Route("/session", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Post("/connect", h.Connect)
		r.Post("/disconnect", h.Disconnect)
		r.Post("/reconnect", h.Reconnect)
	})

	r.Route("/matchmaking", func(r chi.Router) {
		r.Get("/", h.GetMatchmaking)
		r.Post("/join", h.JoinMatchmaking)
		r.Post("/cancel", h.CancelMatchmaking)
	})

	r.Route("/games/{gameID}", func(r chi.Router) {
		r.Post("/draw/offer", h.gameAction(h.sess.OfferDraw))
		r.Post("/draw/accept", h.gameAction(h.sess.AcceptDraw))
		r.Post("/draw/decline", h.gameAction(h.sess.DeclineDraw))
		r.Post("/resign", h.gameAction(h.sess.ResignGame))
		r.Post("/abort", h.gameAction(h.sess.AbortGame))
		r.Post("/rejoin", h.Rejoin)
		r.Get("/bet", h.GetBetIDForGame)
	})

	r.Get("/game-end", h.GetGameEnd)
	r.Delete("/game-end", h.ResetGameEnd)

	r.Route("/bets", func(r chi.Router) {
		r.Post("/", h.SendBetChallenge)
		r.Post("/results/prune", h.PruneBetResults)
		r.Delete("/{betID}", h.CancelBetChallenge)
		r.Post("/{betID}/respond", h.RespondToBetChallenge)
		r.Get("/{betID}/status", h.CheckBetChallengeStatus)
		r.Get("/{betID}/result", h.GetBetResult)
	})
	return r
}

func (h *Handlers) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("controlapi_request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type sessionView struct {
	Snapshot    session.Snapshot    `json:"snapshot"`
	Matchmaking session.Matchmaking `json:"matchmaking"`
	Summary     string              `json:"summary"`
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	snap := h.sess.Snapshot()
	respondJSON(w, http.StatusOK, sessionView{
		Snapshot:    snap,
		Matchmaking: h.sess.Matchmaking(),
		Summary:     h.format.Connection(snap),
	})
}

func (h *Handlers) Connect(w http.ResponseWriter, r *http.Request) {
	h.sess.Connect(r.Context())
	respondJSON(w, http.StatusAccepted, h.sess.Snapshot())
}

func (h *Handlers) Disconnect(w http.ResponseWriter, r *http.Request) {
	h.sess.Disconnect(r.Context())
	respondJSON(w, http.StatusOK, h.sess.Snapshot())
}

func (h *Handlers) Reconnect(w http.ResponseWriter, r *http.Request) {
	h.sess.ManualReconnect(r.Context())
	respondJSON(w, http.StatusAccepted, h.sess.Snapshot())
}

func (h *Handlers) GetMatchmaking(w http.ResponseWriter, r *http.Request) {
	mm := h.sess.Matchmaking()
	respondJSON(w, http.StatusOK, map[string]any{"matchmaking": mm, "summary": h.format.Matchmaking(mm)})
}

func (h *Handlers) JoinMatchmaking(w http.ResponseWriter, r *http.Request) {
	var body struct {
		GameType string `json:"gameType"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.GameType) == "" {
		http.Error(w, "gameType is required", http.StatusBadRequest)
		return
	}
	respondDispatch(w, h.sess.JoinMatchmaking(r.Context(), body.GameType))
}

func (h *Handlers) CancelMatchmaking(w http.ResponseWriter, r *http.Request) {
	respondDispatch(w, h.sess.CancelMatchmaking(r.Context()))
}

func (h *Handlers) gameAction(op func(ctx context.Context, gameID string) transport.Dispatch) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondDispatch(w, op(r.Context(), chi.URLParam(r, "gameID")))
	}
}

func (h *Handlers) Rejoin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PlayerID string `json:"playerId"`
	}
	if r.ContentLength != 0 && !decodeBody(w, r, &body) {
		return
	}
	playerID := strings.TrimSpace(body.PlayerID)
	if playerID == "" {
		playerID = h.playerID
	}
	if playerID == "" {
		http.Error(w, "playerId is required", http.StatusBadRequest)
		return
	}
	respondDispatch(w, h.sess.RejoinGame(r.Context(), chi.URLParam(r, "gameID"), playerID))
}

func (h *Handlers) GetGameEnd(w http.ResponseWriter, r *http.Request) {
	rec, ended := h.sess.GameEnd()
	if !ended {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"record": rec, "summary": h.format.GameEnd(rec)})
}

func (h *Handlers) ResetGameEnd(w http.ResponseWriter, r *http.Request) {
	h.sess.ResetGameEnd()
	w.WriteHeader(http.StatusNoContent)
}

// SendBetChallenge holds the request open until the server acks or the
// client goes away.
func (h *Handlers) SendBetChallenge(w http.ResponseWriter, r *http.Request) {
	var opts bet.ChallengeOptions
	if !decodeBody(w, r, &opts) {
		return
	}
	res, err := h.bets.SendBetChallenge(r.Context(), opts)
	if err != nil {
		h.logger.Info("controlapi_bet_send_abandoned", zap.Error(err))
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusConflict
	}
	respondJSON(w, status, map[string]any{"result": res, "summary": h.format.CreateResult(res)})
}

func (h *Handlers) CancelBetChallenge(w http.ResponseWriter, r *http.Request) {
	respondDispatch(w, h.bets.CancelBetChallenge(r.Context(), chi.URLParam(r, "betID")))
}

func (h *Handlers) RespondToBetChallenge(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Accepted *bool `json:"accepted"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Accepted == nil {
		http.Error(w, "accepted is required", http.StatusBadRequest)
		return
	}
	respondDispatch(w, h.bets.RespondToBetChallenge(r.Context(), chi.URLParam(r, "betID"), *body.Accepted))
}

func (h *Handlers) CheckBetChallengeStatus(w http.ResponseWriter, r *http.Request) {
	res, err := h.bets.CheckBetChallengeStatus(r.Context(), chi.URLParam(r, "betID"))
	switch {
	case errors.Is(err, bet.ErrStatusTimeout):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusConflict
	}
	respondJSON(w, status, res)
}

func (h *Handlers) GetBetResult(w http.ResponseWriter, r *http.Request) {
	res, ok, err := h.bets.GetBetResult(r.Context(), chi.URLParam(r, "betID"))
	if err != nil {
		http.Error(w, "failed to load bet result", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"result": res, "summary": h.format.BetResult(res)})
}

func (h *Handlers) GetBetIDForGame(w http.ResponseWriter, r *http.Request) {
	id, ok, err := h.bets.GetBetIDFromGameID(r.Context(), chi.URLParam(r, "gameID"))
	if err != nil {
		http.Error(w, "failed to load bet index", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"betId": id})
}

func (h *Handlers) PruneBetResults(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OlderThanHours int `json:"olderThanHours"`
	}
	if r.ContentLength != 0 && !decodeBody(w, r, &body) {
		return
	}
	olderThan := bet.DefaultRetention
	if body.OlderThanHours > 0 {
		olderThan = time.Duration(body.OlderThanHours) * time.Hour
	}
	n, err := h.bets.PruneBetResults(r.Context(), olderThan)
	if err != nil {
		http.Error(w, "failed to prune", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(v); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

func respondDispatch(w http.ResponseWriter, d transport.Dispatch) {
	status := http.StatusAccepted
	switch d {
	case transport.DispatchSkipped:
		status = http.StatusConflict
	case transport.DispatchFailed:
		status = http.StatusBadGateway
	}
	respondJSON(w, status, map[string]string{"dispatch": d.String()})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
