package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-pluto/cosync/auth"
	"github.com/go-pluto/cosync/comm"
	"github.com/go-pluto/cosync/config"
	"github.com/go-pluto/cosync/crypto"
	"github.com/go-pluto/cosync/relay"
	"github.com/go-pluto/cosync/storage"
	"github.com/pkg/errors"
)

// Functions

// initVerifier of the correct implementation specified
// in the config to be used by the relay.
func initVerifier(ctx context.Context, conf *config.Config, env *config.Env) (auth.Verifier, error) {

	switch conf.Relay.AuthAdapter {
	case "AuthJWT":

		if env == nil || env.Secret == "" {
			return nil, errors.New("auth adapter AuthJWT needs SECRET in the environment")
		}

		return auth.NewJWTVerifier(
			[]byte(env.Secret),
			conf.Relay.AuthJWT.Issuer,
			conf.Relay.AuthJWT.Audience,
		)
	case "AuthPostgres":

		password := ""
		if env != nil {
			password = env.PostgresPassword
		}

		// Connect to PostgreSQL database.
		return auth.NewPostgresVerifier(
			ctx,
			conf.Relay.AuthPostgres.IP,
			conf.Relay.AuthPostgres.Port,
			conf.Relay.AuthPostgres.Database,
			conf.Relay.AuthPostgres.User,
			password,
			conf.Relay.AuthPostgres.UseTLS,
		)
	default: // AuthFile
		// Open token file and read user information.
		return auth.NewFileVerifier(
			conf.Relay.AuthFile.File,
			conf.Relay.AuthFile.Separator,
		)
	}
}

// initStore opens the snapshot store named in the config.
func initStore(conf *config.Config, logger log.Logger) (storage.Store, error) {

	var store storage.Store
	var err error

	switch conf.Storage.Adapter {
	case "bolt":
		store, err = storage.OpenBoltStore(conf.Storage.BoltPath)
	case "sqlite":
		store, err = storage.OpenSQLiteStore(conf.Storage.SQLitePath)
	default:
		store = storage.NewMemoryStore()
	}

	if err != nil {
		return nil, err
	}

	return storage.NewLoggingStore(store, logger), nil
}

// initBus connects to Redis if the config asks for
// presence to be shared with other relays.
func initBus(ctx context.Context, conf *config.Config, env *config.Env, logger log.Logger) (relay.Bus, error) {

	if conf.Relay.Redis == nil || conf.Relay.Redis.Addr == "" {
		return relay.NewNopBus(), nil
	}

	password := ""
	if env != nil {
		password = env.RedisPassword
	}

	return relay.NewRedisBus(
		ctx,
		logger,
		conf.Relay.Redis.Addr,
		password,
		conf.Relay.Redis.DB,
		conf.Relay.Redis.Channel,
		conf.Relay.Name,
	)
}

// initLogger initializes a JSON gokit-logger set
// to the according log level supplied via cli flag.
func initLogger(loglevel string) log.Logger {

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logger = log.With(logger,
		"ts", log.DefaultTimestampUTC,
		"caller", log.DefaultCaller,
	)

	switch strings.ToLower(loglevel) {
	case "info":
		logger = level.NewFilter(logger, level.AllowInfo())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowDebug())
	}

	return logger
}

// relayOptions picks the relay settings out of conf.
func relayOptions(conf *config.Config) relay.Options {

	return relay.Options{
		AllowCreate:       conf.Relay.AllowCreate,
		SnapshotEvery:     conf.Relay.SnapshotEvery,
		IdleTimeout:       conf.Relay.IdleTimeout.Duration,
		PeerQueueSize:     conf.Relay.PeerQueueSize,
		CausalBufferLimit: conf.Client.CausalBufferLimit,
		PresenceTTL:       conf.Presence.TTL.Duration,
		PresenceIdleAfter: conf.Presence.IdleAfter.Duration,
	}
}

// runRelay serves documents until SIGINT or SIGTERM.
func runRelay(logger log.Logger, conf *config.Config, env *config.Env) error {

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	verifier, err := initVerifier(ctx, conf, env)
	if err != nil {
		return errors.Wrap(err, "failed to initialize a verifier")
	}

	if closer, ok := verifier.(interface{ Close() }); ok {
		defer closer.Close()
	}

	store, err := initStore(conf, logger)
	if err != nil {
		return errors.Wrap(err, "failed to open snapshot store")
	}
	defer store.Close()

	bus, err := initBus(ctx, conf, env, logger)
	if err != nil {
		return errors.Wrap(err, "failed to connect presence bus")
	}

	go runPromHTTP(logger, conf.Relay.PrometheusAddr)

	var service relay.Service
	service = relay.NewService(logger, verifier, store, bus, relayOptions(conf))
	service = relay.NewLoggingService(service, logger)
	service = relay.NewMetricsService(service, NewCosyncMetrics(conf.Relay.PrometheusAddr))

	server := relay.NewServer(
		logger,
		service,
		comm.UpgraderOptions(conf.Relay.AllowedOrigins),
		conf.Relay.HandshakeTimeout.Duration,
		conf.Relay.ReadTimeout.Duration,
	)

	httpServer := &http.Server{
		Addr:              conf.Relay.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if conf.Relay.CertLoc != "" {

		tlsConfig, err := crypto.NewRelayTLSConfig(conf.Relay.CertLoc, conf.Relay.KeyLoc)
		if err != nil {
			return err
		}
		httpServer.TLSConfig = tlsConfig
	}

	failed := make(chan error, 1)

	go func() {

		level.Info(logger).Log(
			"msg", "relay listening",
			"addr", conf.Relay.ListenAddr,
			"tls", httpServer.TLSConfig != nil,
		)

		var err error
		if httpServer.TLSConfig != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}

		if err != http.ErrServerClosed {
			failed <- err
		}
	}()

	select {
	case err = <-failed:
	case <-ctx.Done():
		level.Info(logger).Log("msg", "shutting down relay")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	httpServer.Shutdown(shutdownCtx)

	// Snapshots every document still loaded.
	if cerr := service.Close(); cerr != nil && err == nil {
		err = cerr
	}

	return err
}

func main() {

	// Set CPUs usable by cosync to all available.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Parse command-line flag that defines a config path.
	configFlag := flag.String("config", "config.toml", "Provide path to configuration file in TOML syntax.")
	envFlag := flag.String("env", ".env", "Provide path to the .env file holding secrets.")
	relayFlag := flag.Bool("relay", false, "Append this flag to run a relay serving documents.")
	clientFlag := flag.String("client", "", "Open the named document in a terminal client.")
	tokenFlag := flag.String("token", "", "Token the terminal client authenticates with.")
	createFlag := flag.Bool("create", false, "Let the terminal client create the document if it does not exist.")
	mintFlag := flag.String("mint", "", "Print a signed token for the named user (AuthJWT only).")
	gencertFlag := flag.String("gencert", "", "Generate a self-signed certificate for these comma-separated hosts at the relay's CertLoc and KeyLoc.")
	loglevelFlag := flag.String("loglevel", "debug", "This flag sets the default logging level.")
	flag.Parse()

	logger := initLogger(*loglevelFlag)

	// Read configuration from file.
	conf, err := config.LoadConfig(*configFlag)
	if err != nil {
		level.Error(logger).Log(
			"msg", "failed to load the config", "err", err,
		)
		os.Exit(1)
	}

	// Secrets are optional as long as
	// no adapter needs one.
	env, err := config.LoadEnv(*envFlag)
	if err != nil {
		level.Debug(logger).Log(
			"msg", "no env file loaded", "err", err,
		)
		env = nil
	}

	switch {
	case *gencertFlag != "":

		err = crypto.GenerateSelfSigned(strings.Split(*gencertFlag, ","), 365*24*time.Hour, conf.Relay.CertLoc, conf.Relay.KeyLoc)
		if err != nil {
			level.Error(logger).Log(
				"msg", "failed to generate certificate",
				"err", err,
			)
			os.Exit(2)
		}

	case *mintFlag != "":

		token, err := mintToken(conf, env, *mintFlag, 12*time.Hour)
		if err != nil {
			level.Error(logger).Log(
				"msg", "failed to mint token",
				"err", err,
			)
			os.Exit(3)
		}
		fmt.Println(token)

	case *relayFlag:

		if err := runRelay(logger, conf, env); err != nil {
			level.Error(logger).Log(
				"msg", "relay failed",
				"err", err,
			)
			os.Exit(4)
		}

	case *clientFlag != "":

		if err := runClient(logger, conf, *clientFlag, *tokenFlag, *createFlag, os.Stdin, os.Stdout); err != nil {
			level.Error(logger).Log(
				"msg", "client failed",
				"err", err,
			)
			os.Exit(5)
		}

	default:
		// If no flags were specified, print usage
		// and return with failure value.
		flag.Usage()
		os.Exit(9)
	}
}

// mintToken signs a token for user with the relay's secret.
func mintToken(conf *config.Config, env *config.Env, user string, ttl time.Duration) (string, error) {

	if env == nil || env.Secret == "" {
		return "", errors.New("minting tokens needs SECRET in the environment")
	}

	issuer, audience := "", ""
	if conf.Relay.AuthJWT != nil {
		issuer, audience = conf.Relay.AuthJWT.Issuer, conf.Relay.AuthJWT.Audience
	}

	v, err := auth.NewJWTVerifier([]byte(env.Secret), issuer, audience)
	if err != nil {
		return "", err
	}

	return v.Sign(user, time.Now(), ttl)
}
