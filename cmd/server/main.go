// Command server boots the chess game server: the game store (MongoDB),
// the premove queue, the game coordinator, the timeout watcher, the
// session fabric (WebSocket plus cross-node bus), the transport gateway
// that decodes client frames into coordinator calls, and the thin HTTP
// surface around them.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"chessmata-core/internal/auth"
	"chessmata-core/internal/config"
	"chessmata-core/internal/coordinator"
	"chessmata-core/internal/fabric"
	"chessmata-core/internal/gateway"
	"chessmata-core/internal/handlers"
	"chessmata-core/internal/middleware"
	"chessmata-core/internal/premove"
	"chessmata-core/internal/store"
	"chessmata-core/internal/watcher"
)

func main() {
	env := config.GetEnv()
	cfg, err := config.Load(env)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	log.Printf("starting chess server in %s mode", cfg.Environment)

	mongo, err := store.Connect(cfg.MongoDB.URI, cfg.MongoDB.Database)
	if err != nil {
		log.Fatalf("failed to connect to MongoDB: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mongo.Close(ctx)
	}()
	log.Printf("connected to MongoDB database: %s", cfg.MongoDB.Database)

	gameStore := store.NewGameStore(mongo)
	premoveQueue := premove.New()
	fab := fabric.New(mongo.WSEvents(), mongo.Presence())
	if err := fab.EnsureIndexes(context.Background()); err != nil {
		log.Printf("warning: failed to create fabric indexes: %v", err)
	}
	fab.Run()
	defer fab.Shutdown()

	coord := coordinator.New(gameStore, premoveQueue, fab, cfg.Game)
	fab.OnGameRoomDrained = func(gameID, userID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		coord.ArmDisconnect(ctx, gameID, userID)
	}

	gw := gateway.New(coord, fab)
	gw.Attach()

	sweepInterval := time.Duration(cfg.Game.StaleSweepIntervalMs) * time.Millisecond
	watcherLock := store.NewLock(mongo, "timeout_watcher", sweepInterval)
	tickInterval := time.Duration(cfg.Game.WatcherTickMs) * time.Millisecond
	watch := watcher.New(gameStore, coord, watcherLock, tickInterval, sweepInterval)
	watch.Start()
	defer watch.Stop()

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := coord.RehydrateOngoing(startupCtx); err != nil {
		log.Printf("warning: failed to rehydrate ongoing games: %v", err)
	}
	startupCancel()

	verifier := auth.NewVerifier(cfg.JWT.AccessSecret)
	authGate := middleware.RequireUser(verifier)
	rateLimiter := middleware.NewRateLimiter()
	defer rateLimiter.Stop()

	gameHandler := handlers.NewGameHandler(gameStore, coord)

	router := mux.NewRouter()

	router.Handle("/ws", rateLimiter.RateLimitHandler(
		middleware.WebSocketUpgradeLimit,
		func(r *http.Request) string { return "ws:" + middleware.GetClientIP(r) },
		handleWebSocket(fab, verifier),
	))

	api := router.PathPrefix("/api").Subrouter()
	gameAPI := api.PathPrefix("/games").Subrouter()
	gameAPI.Use(authGate)
	gameAPI.HandleFunc("", gameHandler.CreateGame).Methods("POST")
	gameAPI.HandleFunc("/active", gameHandler.ListActiveGames).Methods("GET")
	gameAPI.HandleFunc("/{gameId}", gameHandler.GetGame).Methods("GET")
	gameAPI.HandleFunc("/{gameId}/join", gameHandler.JoinGame).Methods("POST")
	gameAPI.HandleFunc("/{gameId}/moves", gameHandler.GetMoves).Methods("GET")
	gameAPI.HandleFunc("/{gameId}/resign", gameHandler.ResignGame).Methods("POST")
	gameAPI.HandleFunc("/{gameId}/draw/offer", gameHandler.OfferDraw).Methods("POST")
	gameAPI.HandleFunc("/{gameId}/draw/respond", gameHandler.RespondToDraw).Methods("POST")
	gameAPI.HandleFunc("/{gameId}/rematch/offer", gameHandler.OfferRematch).Methods("POST")
	gameAPI.HandleFunc("/{gameId}/rematch/respond", gameHandler.RespondToRematch).Methods("POST")

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{cfg.Frontend.URL},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      middleware.SecurityHeaders()(corsHandler.Handler(router)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("server shutdown error: %v", err)
	}
	log.Println("server stopped")
}

// handleWebSocket authenticates the handshake (a JWT access token, or a
// raw userId for environments without a token issuer) and upgrades the
// connection via the session fabric. Unauthenticated handshakes are
// refused.
func handleWebSocket(fab *fabric.Fabric, verifier *auth.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		legacyUserID := r.URL.Query().Get("userId")

		var userID string
		if token != "" {
			uid, err := verifier.VerifyToken(token)
			if err != nil {
				http.Error(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}
			userID = uid
		} else if legacyUserID != "" {
			userID = legacyUserID
		} else {
			http.Error(w, "missing credential", http.StatusUnauthorized)
			return
		}

		if _, err := fab.Connect(w, r, userID); err != nil {
			log.Printf("websocket upgrade failed for user %s: %v", userID, err)
		}
	}
}
