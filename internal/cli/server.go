package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"live-quiz-service/internal/app"
	"live-quiz-service/internal/config"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/infra/aigen"
	"live-quiz-service/internal/infra/auth"
	"live-quiz-service/internal/infra/memory"
	pgstore "live-quiz-service/internal/infra/postgres"
	redisstore "live-quiz-service/internal/infra/redis"
	transport "live-quiz-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

// resultStore records final leaderboards and serves them back.
type resultStore interface {
	app.ResultRecorder
	transport.ResultReader
}

// sessionStore holds live sessions and serves their saved state.
type sessionStore interface {
	app.SessionRepository
	transport.SessionReader
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	configureLogging(cfg)
	log := logrus.WithField("component", "server")

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}
	redisTTL := config.TTLDuration(cfg.Redis.TTL, 10*time.Minute)

	// Quiz content: pgx feeds the read cache, bun owns writes and results.
	var (
		store    app.QuizStore
		loader   memory.QuizLoader
		recorder resultStore
	)
	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		db := openBunDB(cfg.Postgres.URL)
		defer db.Close()

		loader = pgstore.NewQuizLoader(pool)
		store = pgstore.NewQuizStore(db)
		recorder = pgstore.NewResultRecorder(db)
	} else {
		memStore := memory.NewQuizStore(sampleQuizzes()...)
		store, loader = memStore, memStore
		recorder = memory.NewResultStore()
	}

	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	var quizCache app.QuizCache
	if redisClient != nil {
		quizCache = redisstore.NewQuizRepository(redisClient, loader, quizTTL)
	} else {
		quizCache = memory.NewQuizRepository(loader, quizTTL)
	}

	var (
		sessions sessionStore
		mirror   app.PresenceMirror
		stores   transport.AdminStores
	)
	if redisClient != nil {
		sessions = redisstore.NewSessionStore(redisClient, redisTTL)
		presenceMirror := redisstore.NewPresenceMirror(redisClient)
		// Entries left by a previous process are stale.
		if err := presenceMirror.Clear(ctx); err != nil {
			log.WithError(err).Warn("clearing presence mirror failed")
		}
		mirror = presenceMirror
		stores.Mirror = presenceMirror
	} else {
		sessions = memory.NewSessionStore()
	}
	stores.Results = recorder
	stores.Sessions = sessions

	authn, err := auth.NewAuthenticator(authAccounts(cfg), config.TTLDuration(cfg.Auth.TokenTTL, auth.DefaultTokenTTL))
	if err != nil {
		return err
	}

	var generator app.QuestionGenerator
	if cfg.AI.Endpoint != "" {
		generator = aigen.NewClient(aigen.Config{
			Endpoint:    cfg.AI.Endpoint,
			APIKey:      cfg.AI.APIKey,
			MaxAttempts: cfg.AI.MaxAttempts,
			BaseDelay:   config.TTLDuration(cfg.AI.BaseDelay, 0),
			MaxDelay:    config.TTLDuration(cfg.AI.MaxDelay, 0),
		})
	}

	hub := transport.NewHub()
	rooms := app.NewRoomManager(hub, cfg.Chat.HistoryLimit)
	presence := app.NewPresenceRegistry(hub, mirror)
	quizzes := app.NewQuizService(sessions, quizCache, rooms, recorder, app.QuizOptions{
		QuestionDuration: config.TTLDuration(cfg.Quiz.QuestionDuration, app.DefaultQuestionDuration),
	})
	chat := app.NewChatBus(rooms, hub, config.TTLDuration(cfg.Chat.TypingTimeout, app.DefaultTypingTimeout))
	catalog := app.NewQuizCatalog(store, quizCache, generator)

	wsHandler := transport.NewWSHandler(transport.Services{
		Resolver: app.NewResolver(authn),
		Presence: presence,
		Rooms:    rooms,
		Quiz:     quizzes,
		Chat:     chat,
	}, hub, transport.Options{
		PingInterval: config.TTLDuration(cfg.Server.PingInterval, transport.DefaultPingInterval),
		PingTimeout:  config.TTLDuration(cfg.Server.PingTimeout, transport.DefaultPingTimeout),
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler.ServeWS)
	transport.NewAdminHandler(authn, catalog, presence, stores).Register(mux)

	server := &http.Server{
		Addr:              ":" + finalPort,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithField("port", finalPort).Info("starting quiz service")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	heartbeat := config.TTLDuration(cfg.Presence.HeartbeatInterval, 15*time.Second)
	idleAfter := config.TTLDuration(cfg.Presence.IdleAfter, 2*heartbeat)
	g.Go(func() error {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := presence.MarkIdle(idleAfter); n > 0 {
					log.WithField("count", n).Debug("marked users idle")
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		hub.CloseAll()
		quizzes.Close()
		chat.Close()
		presence.Shutdown()
		return err
	})

	return g.Wait()
}

func authAccounts(cfg config.Config) []auth.Account {
	accounts := make([]auth.Account, 0, len(cfg.Auth.Accounts))
	for _, a := range cfg.Auth.Accounts {
		role := domain.RoleUser
		if domain.Role(a.Role) == domain.RoleAdmin {
			role = domain.RoleAdmin
		}
		accounts = append(accounts, auth.Account{
			Username:     a.Username,
			Password:     a.Password,
			PasswordHash: a.PasswordHash,
			Role:         role,
		})
	}
	return accounts
}

// sampleQuizzes seeds the in-memory store when no database is configured.
func sampleQuizzes() []domain.Quiz {
	return []domain.Quiz{
		{
			ID:               "quiz-1",
			Title:            "Warm-up",
			QuestionDuration: 30,
			Questions: []domain.Question{
				{
					ID:     "q1",
					Prompt: "What is 2 + 2?",
					Options: []domain.Option{
						{ID: "o1", Text: "3", Correct: false},
						{ID: "o2", Text: "4", Correct: true},
						{ID: "o3", Text: "5", Correct: false},
					},
				},
				{
					ID:     "q2",
					Prompt: "Which planet is known as the Red Planet?",
					Options: []domain.Option{
						{ID: "o1", Text: "Mars", Correct: true},
						{ID: "o2", Text: "Venus", Correct: false},
						{ID: "o3", Text: "Jupiter", Correct: false},
					},
					Explanation: "Iron oxide on its surface gives Mars its colour.",
				},
			},
		},
	}
}
