package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/cheese-club-session/internal/adapter/sessionpresenter"
	"github.com/park285/cheese-club-session/internal/analytics"
	"github.com/park285/cheese-club-session/internal/archive"
	"github.com/park285/cheese-club-session/internal/auth"
	"github.com/park285/cheese-club-session/internal/bet"
	"github.com/park285/cheese-club-session/internal/clubapi"
	appcfg "github.com/park285/cheese-club-session/internal/config"
	"github.com/park285/cheese-club-session/internal/controlapi"
	"github.com/park285/cheese-club-session/internal/msgcat"
	"github.com/park285/cheese-club-session/internal/obslog"
	"github.com/park285/cheese-club-session/internal/session"
	"github.com/park285/cheese-club-session/internal/transport"
)

func main() {
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()

	cfg, err := appcfg.Load()
	if err != nil {
		logger.Fatal("config_error", zap.Error(err))
	}
	sessionID := uuid.NewString()
	logger.Info("club_session_starting", zap.String("session_id", sessionID), zap.String("ws_url", cfg.ClubWSURL))

	// credentials: a static CLUB_TOKEN, refreshed through the club API when configured
	tokenOpts := []auth.Option{auth.WithLogger(obslog.Named("auth"))}
	var results *clubapi.Client
	if cfg.ClubAPIURL != "" {
		issuer := clubapi.NewClient(cfg.ClubAPIURL, clubapi.WithTimeout(8*time.Second))
		if cfg.PlayerID != "" {
			tokenOpts = append(tokenOpts, auth.WithIssuer(issuer, cfg.PlayerID))
		}
	}
	tokens := auth.NewTokenSource(cfg.ClubToken, tokenOpts...)
	if cfg.ClubAPIURL != "" {
		results = clubapi.NewClient(cfg.ClubAPIURL,
			clubapi.WithHeaderProvider(tokens.Headers),
			clubapi.WithTimeout(8*time.Second),
			clubapi.WithRetry(2, 200*time.Millisecond),
		)
	}

	conn := transport.New(cfg.ClubWSURL,
		transport.WithPolicy(transport.Policy{
			MaxAttempts: cfg.ReconnectAttempts,
			BaseDelay:   cfg.ReconnectDelay,
			MaxDelay:    cfg.ReconnectDelayMax,
			Jitter:      cfg.ReconnectJitter,
			Timeout:     cfg.ConnectTimeout,
		}),
		transport.WithHeaderProvider(tokens.Headers),
		transport.WithLogger(obslog.Named("transport")),
	)

	sessOpts := []session.Option{
		session.WithLogger(obslog.Named("session")),
		session.WithPlayerName(cfg.PlayerName),
		session.WithSupervisorOptions(
			session.WithSupervisorLogger(obslog.Named("supervisor")),
			session.WithMaxAttempts(cfg.ReconnectAttempts),
		),
	}
	if cfg.AutoRejoin {
		sessOpts = append(sessOpts, session.WithAutoRejoin(cfg.PlayerID))
	}
	sess := session.New(conn, sessOpts...)

	// bet results: Redis when configured, process memory otherwise
	var store bet.ResultStore = bet.NewMemoryStore()
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis_url_invalid", zap.Error(err))
		}
		rdb = redis.NewClient(opt)
		pctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pctx).Err(); err != nil {
			cancel()
			logger.Fatal("redis_ping_failed", zap.Error(err))
		}
		cancel()
		store = bet.NewRedisStore(rdb, cfg.BetResultRetention)
	}
	betOpts := []bet.Option{
		bet.WithLogger(obslog.Named("bet")),
		bet.WithStore(store),
		bet.WithStatusTimeout(cfg.BetStatusTimeout),
	}
	if results != nil {
		betOpts = append(betOpts, bet.WithRemote(results))
	}
	bets := bet.NewCoordinator(conn, betOpts...)

	var repo *archive.Repository
	if cfg.DatabaseURL != "" {
		repo, err = archive.NewRepository(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("archive_init_failed", zap.Error(err))
		}
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := repo.EnsureSchema(sctx); err != nil {
			cancel()
			logger.Fatal("archive_schema_failed", zap.Error(err))
		}
		cancel()
	}
	events := analytics.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, sessionID, obslog.Named("analytics"))

	cat, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		logger.Fatal("messages_load_failed", zap.Error(err))
	}
	format := sessionpresenter.NewFormatter(cat)

	stopSinks := wireSinks(logger, sessionID, sess, bets, repo, events, format)

	router := controlapi.NewHandlers(sess, bets, format, cfg.PlayerID, obslog.Named("controlapi")).Routes()
	srv := &http.Server{Addr: cfg.ControlAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("control_api_listening", zap.String("addr", cfg.ControlAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control_api_failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go pruneLoop(ctx, logger, bets, cfg.BetResultRetention)

	cctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	sess.Connect(cctx)
	cancel()

	<-ctx.Done()
	logger.Info("club_session_stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
	sess.Disconnect(shutdownCtx)
	bets.Close()
	sess.Close()
	stopSinks()
	if err := events.Close(); err != nil {
		logger.Warn("analytics_close_failed", zap.Error(err))
	}
	if repo != nil {
		_ = repo.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
}

// wireSinks forwards session notifications to logs, the archive and the event
// stream. Archive and Kafka writes run in order on their own goroutine so push
// delivery never waits on them. The returned func drains and stops it.
func wireSinks(logger *zap.Logger, sessionID string, sess *session.Session, bets *bet.Coordinator, repo *archive.Repository, events *analytics.Producer, format *sessionpresenter.Formatter) func() {
	jobs := make(chan func(), 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for job := range jobs {
			job()
		}
	}()
	enqueue := func(name string, job func()) {
		select {
		case jobs <- job:
		default:
			logger.Warn("sink_queue_full", zap.String("job", name))
		}
	}

	var (
		mu   sync.Mutex
		prev session.Snapshot
	)
	sess.OnStateChange(func(snap session.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if snap.State != prev.State || snap.Reconnecting != prev.Reconnecting {
			logger.Info("session_state", zap.String("summary", format.Connection(snap)))
		}
		from := prev
		enqueue("connection_state", func() { events.ConnectionState(from, snap) })
		prev = snap
	})

	sess.OnMatchFound(func(m session.MatchInfo) {
		logger.Info("match_found", zap.String("game_id", m.GameID), zap.String("summary", format.Matchmaking(sess.Matchmaking())))
	})
	sess.OnMatchmakingError(func(message string) {
		logger.Warn("matchmaking_error", zap.String("message", message))
	})

	sess.OnGameEnd(func(rec session.GameEndRecord) {
		logger.Info("game_end", zap.String("game_id", rec.GameID), zap.String("summary", format.GameEnd(rec)))
		enqueue("game_end", func() {
			events.GameEnd(rec)
			if repo == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := repo.SaveGameEnd(ctx, sessionID, rec); err != nil {
				logger.Warn("archive_game_end_failed", zap.Error(err))
			}
		})
	})

	bets.OnBetChallengeReceived(func(c bet.Challenge) {
		logger.Info("bet_challenge_received", zap.String("bet_id", c.ID), zap.String("summary", format.Challenge(c)))
	})
	bets.OnBetResult(func(r bet.Result) {
		logger.Info("bet_result", zap.String("bet_id", r.BetID), zap.String("summary", format.BetResult(r)))
		enqueue("bet_result", func() {
			events.BetResult(r)
			if repo == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := repo.SaveBetResult(ctx, r); err != nil {
				logger.Warn("archive_bet_result_failed", zap.Error(err))
			}
		})
	})

	return func() {
		close(jobs)
		<-done
	}
}

func pruneLoop(ctx context.Context, logger *zap.Logger, bets *bet.Coordinator, retention time.Duration) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if _, err := bets.PruneBetResults(pctx, retention); err != nil {
				logger.Warn("bet_prune_failed", zap.Error(err))
			}
			cancel()
		}
	}
}
