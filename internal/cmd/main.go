package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pollsync/pollsync/clients"
	"github.com/pollsync/pollsync/internal/ledger"
	"github.com/pollsync/pollsync/internal/pollstate"
	"github.com/pollsync/pollsync/internal/session"
	"github.com/pollsync/pollsync/internal/store"
	"github.com/pollsync/pollsync/internal/timer"
	"github.com/pollsync/pollsync/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	name := flag.String("name", "", "display name (min 2 characters)")
	room := flag.String("room", "", "room code; empty creates a new room")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	config, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	st, err := newStore(config)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open durable store")
	}
	defer st.Close()

	clock := clockwork.NewRealClock()
	ch := transport.NewChannel(config.ServerURL, config.transportOptions(), clock)
	engine := timer.NewEngine(clock, st, config.VotingWindowSec)
	lg := ledger.New(st)
	polls := pollstate.New(lg)
	notes := session.NewNotifier(clock)

	var rooms *clients.RoomsClient
	if config.APIBaseURL != "" {
		rooms = clients.NewRoomsClient(config.APIBaseURL)
	}

	s := session.NewRoomSession(clock, ch, st, engine, lg, polls, notes, rooms)

	notes.OnChange(func(message string, visible bool) {
		if visible {
			fmt.Println(">", message)
		}
	})

	userName := *name
	roomCode := *room
	if saved, ok := s.SavedIdentity(); ok && userName == "" {
		userName = saved.Name
		roomCode = saved.RoomCode
		log.Info().Str("name", userName).Str("room", roomCode).Msg("resuming saved session")
	}
	if userName == "" {
		log.Fatal().Msg("a display name is required (-name)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Join(ctx, userName, roomCode); err != nil {
		log.Fatal().Err(err).Msg("failed to join room")
	}

	identity := s.Identity()
	fmt.Printf("Joined room %s as %s\n", identity.RoomCode, identity.Name)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	if err := s.Leave(); err != nil {
		log.Warn().Err(err).Msg("error leaving room")
	}
}

func newStore(config *Config) (store.Store, error) {
	switch config.Store.Backend {
	case "redis":
		return store.NewRedisStore(config.Store.RedisAddr, config.Store.RedisPassword)
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return store.NewSQLiteStore(config.Store.Path)
	}
}
