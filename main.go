package main

import (
	"fmt"
	"html/template"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/stuffbin"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/streamcast/livecast/internal/auth"
	"github.com/streamcast/livecast/internal/chat"
	"github.com/streamcast/livecast/store"
	"github.com/streamcast/livecast/store/mem"
	"github.com/streamcast/livecast/store/redis"
	"github.com/streamcast/livecast/store/sqlite"
)

var (
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	ko     = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

// App is the global app context that's passed around.
type App struct {
	chat  *chat.Manager
	cfg   *chat.Config
	auth  *auth.Resolver
	store store.Store
	tpl   *template.Template
	fs    stuffbin.FileSystem
	log   zerolog.Logger
}

func loadConfig() {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order")
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, c := range cFiles {
		logger.Info().Str("path", c).Msg("reading config")
		if err := ko.Load(file.Provider(c), toml.Parser()); err != nil {
			logger.Error().Err(err).Msg("error reading config")
		}
	}

	// Merge env flags into config.
	if err := ko.Load(env.Provider("LIVECAST_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "LIVECAST_")), "__", ".", -1)
	}), nil); err != nil {
		logger.Error().Err(err).Msg("error loading env config")
	}

	// Merge command line flags into config.
	ko.Load(posflag.Provider(f, ".", ko), nil)
}

// initFS initializes the stuffbin embedded static filesystem.
func initFS() stuffbin.FileSystem {
	// Get self executable path to initialise stuffed FS.
	exe, err := os.Executable()
	if err != nil {
		logger.Fatal().Err(err).Msg("error getting executable path")
	}

	// Read stuffed data from self.
	fs, err := stuffbin.UnStuff(exe)
	if err != nil {
		// Binary is unstuffed or is running in dev mode.
		// Can halt here or fall back to the local filesystem.
		if err == stuffbin.ErrNoID {
			fs, err = stuffbin.NewLocalFS("./", "./theme")
			if err != nil {
				logger.Fatal().Err(err).Msg("error falling back to local filesystem")
			}
		} else {
			logger.Fatal().Err(err).Msg("error reading stuffed binary")
		}
	}
	return fs
}

// initStore initializes the configured store backend.
func initStore() store.Store {
	backend := ko.String("store.backend")
	switch backend {
	case "redis":
		var cfg redis.Config
		if err := ko.Unmarshal("store.redis", &cfg); err != nil {
			logger.Fatal().Err(err).Msg("error unmarshalling 'store.redis' config")
		}
		st, err := redis.New(cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("error initializing redis store")
		}
		return st
	case "sqlite":
		var cfg sqlite.Config
		if err := ko.Unmarshal("store.sqlite", &cfg); err != nil {
			logger.Fatal().Err(err).Msg("error unmarshalling 'store.sqlite' config")
		}
		st, err := sqlite.New(cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("error initializing sqlite store")
		}
		return st
	case "", "mem":
		st, err := mem.New(mem.Config{})
		if err != nil {
			logger.Fatal().Err(err).Msg("error initializing in-memory store")
		}
		return st
	default:
		logger.Fatal().Str("backend", backend).Msg("unknown store backend")
		return nil
	}
}

func main() {
	// Load configuration from files.
	loadConfig()

	if ko.Bool("app.debug") {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Initialize global app context.
	app := &App{
		log: logger,
		fs:  initFS(),
	}
	if err := ko.Unmarshal("app", &app.cfg); err != nil {
		logger.Fatal().Err(err).Msg("error unmarshalling 'app' config")
	}
	if app.cfg.MaxMessageLen == 0 {
		app.cfg.MaxMessageLen = 3000
	}
	if app.cfg.ChatHistorySize == 0 {
		app.cfg.ChatHistorySize = 50
	}
	if app.cfg.ActivityHistorySize == 0 {
		app.cfg.ActivityHistorySize = 10
	}

	var authCfg auth.Config
	if err := ko.Unmarshal("auth", &authCfg); err != nil {
		logger.Fatal().Err(err).Msg("error unmarshalling 'auth' config")
	}
	if authCfg.JWTSecret == "" {
		logger.Fatal().Msg("auth.jwt_secret is required")
	}
	app.auth = auth.New(authCfg)

	// Initialize store and the chat manager on top of it.
	app.store = initStore()
	app.chat = chat.NewManager(app.store, logger)

	// Compile static templates.
	tpl, err := stuffbin.ParseTemplatesGlob(nil, app.fs, "/theme/templates/*.html")
	if err != nil {
		logger.Fatal().Err(err).Msg("error compiling templates")
	}
	app.tpl = tpl

	// Register HTTP routes.
	r := chi.NewRouter()
	r.Get("/", wrap(handleIndex, app, 0))
	r.Get("/ws/{room}", wrap(handleWS, app, 0))

	// API.
	r.Get("/api/chat/{room}/history", wrap(handleChatHistory, app, 0))
	r.Get("/api/live/{room}/activity", wrap(handleActivityHistory, app, 0))
	r.Get("/api/live/{room}/stats", wrap(handleStats, app, 0))
	r.Post("/api/live/{room}/activity", wrap(handlePostActivity, app, hasAuth))
	r.Post("/api/live/{room}/status", wrap(handleStatus, app, hasAuth|hasCreator))
	r.Post("/api/live/{room}/clip", wrap(handleClip, app, hasAuth|hasCreator))
	r.Post("/api/live/{room}/marker", wrap(handleMarker, app, hasAuth|hasCreator))

	// Views.
	r.Get("/r/{room}", wrap(handleRoomPage, app, 0))
	r.Get("/theme/*", func(w http.ResponseWriter, r *http.Request) {
		app.fs.FileServer().ServeHTTP(w, r)
	})

	// Start the app.
	srv := &http.Server{
		Addr:    ko.String("app.address"),
		Handler: r,
	}

	// Optionally serve over a Tor onion service as well.
	var torCfg torConfig
	if err := ko.Unmarshal("tor", &torCfg); err != nil {
		logger.Fatal().Err(err).Msg("error unmarshalling 'tor' config")
	}
	if torCfg.Enabled {
		pk, err := getOrCreatePK(torCfg.KeyPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("error loading onion service key")
		}
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			logger.Fatal().Err(err).Msg("error opening tor listener")
		}
		ts := &torServer{Handler: r, PrivateKey: pk}
		logger.Info().Str("onion", onionAddr(pk)+".onion").Msg("starting onion service")
		go func() {
			if err := ts.Serve(ln); err != nil {
				logger.Error().Err(err).Msg("onion service stopped")
			}
		}()
	}

	logger.Info().Str("address", ko.String("app.address")).Msg("starting server")
	if err := srv.ListenAndServe(); err != nil {
		logger.Fatal().Err(err).Msg("couldn't start server")
	}
}
