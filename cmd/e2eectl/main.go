// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/exerrors"
	"go.mau.fi/util/exzerolog"
	flag "maunium.net/go/mauflag"

	"go.mau.fi/e2ee"
	"go.mau.fi/e2ee/crypto"
	"go.mau.fi/e2ee/sqlstatestore"
)

var configPath = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
var writeExampleConfig = flag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
var roomFlag = flag.MakeFull("r", "room", "The room to encrypt a test message in (encrypt-test).", "").String()
var messageFlag = flag.MakeFull("m", "message", "The body of the test message (encrypt-test).", "Hello from e2eectl").String()
var recipientsFlag = flag.Make().LongKey("recipients").Usage("Comma-separated user IDs to encrypt for instead of the stored member list (encrypt-test).").Default("").String()
var wantHelp, _ = flag.MakeHelpFlag()

type command func(ctx context.Context, app *App) error

var commands = map[string]command{
	"restore":        cmdRestore,
	"identity-token": cmdIdentityToken,
	"encrypt-test":   cmdEncryptTest,
}

// App holds everything the subcommands need.
type App struct {
	Config *Config
	Log    *zerolog.Logger

	DB          *dbutil.Database
	Client      *e2ee.Client
	Crypto      *crypto.Machine
	CryptoStore *crypto.SQLStore
	StateStore  *sqlstatestore.SQLStateStore
	Metrics     *crypto.Metrics
}

func main() {
	os.Exit(run())
}

func run() int {
	flag.SetHelpTitles(
		"e2eectl - Matrix end-to-end encryption session tool",
		"e2eectl [-he] [-c <path>] [-r <room ID>] [-m <message>] <restore|identity-token|encrypt-test>")
	err := flag.Parse()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		return 1
	} else if *wantHelp {
		flag.PrintHelp()
		return 0
	} else if *writeExampleConfig {
		exerrors.PanicIfNotNil(os.WriteFile(*configPath, []byte(ExampleConfig), 0600))
		return 0
	}
	args := flag.Args()
	if len(args) != 1 {
		_, _ = fmt.Fprintln(os.Stderr, "Expected exactly one subcommand")
		flag.PrintHelp()
		return 1
	}
	cmd, ok := commands[args[0]]
	if !ok {
		_, _ = fmt.Fprintf(os.Stderr, "Unknown subcommand %q\n", args[0])
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		return 10
	}
	app := &App{Config: cfg}
	if code := app.Init(); code != 0 {
		return code
	}
	defer func() {
		_ = app.DB.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = app.Log.WithContext(ctx)
	err = app.Start(ctx)
	if err == nil {
		err = cmd(ctx, app)
	}
	if err != nil {
		app.Log.Error().Err(err).
			Stringer("error_kind", e2ee.KindOf(err)).
			Str("command", args[0]).
			Msg("Command failed")
		return exitCode(err)
	}
	return 0
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return 130
	case errors.Is(err, e2ee.ErrConfiguration):
		return 11
	case errors.Is(err, e2ee.ErrAuthentication):
		return 20
	case errors.Is(err, e2ee.ErrNetwork):
		return 21
	default:
		return 2
	}
}

// Init sets up logging and the database connection. It returns a non-zero exit code on failure.
func (app *App) Init() int {
	var err error
	app.Log, err = app.Config.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		return 12
	}
	exzerolog.SetupDefaults(app.Log)
	err = app.Config.validate()
	if err != nil {
		app.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Configuration error")
		return 11
	}

	app.Log.Debug().Msg("Initializing database connection")
	dbConfig := app.Config.Database
	if dbConfig.Type == "sqlite3-fk-wal" && dbConfig.MaxOpenConns != 1 && !strings.Contains(dbConfig.URI, "_txlock=immediate") {
		app.Log.Warn().Msg("Using SQLite without _txlock=immediate is not recommended")
	}
	app.DB, err = dbutil.NewFromConfig("e2eectl", dbConfig, dbutil.ZeroLogger(app.Log.With().Str("db_section", "main").Logger()))
	if err != nil {
		app.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to initialize database connection")
		if sqlError := (&sqlite3.Error{}); errors.As(err, sqlError) && sqlError.Code == sqlite3.ErrCorrupt {
			return 18
		}
		return 14
	}

	hs := app.Config.Homeserver
	app.Client, err = e2ee.NewClient(hs.Address, hs.UserID, hs.AccessToken)
	if err != nil {
		app.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Invalid homeserver address")
		return 11
	}
	app.Client.DeviceID = hs.DeviceID
	app.Client.Log = app.Log.With().Str("component", "client").Logger()

	dbLog := dbutil.ZeroLogger(app.Log.With().Str("db_section", "crypto").Logger())
	accountID := fmt.Sprintf("%s/%s", hs.UserID, hs.DeviceID)
	app.CryptoStore = crypto.NewSQLStore(app.DB, dbLog, accountID, hs.DeviceID, []byte(app.Config.PickleKey))
	app.StateStore = sqlstatestore.NewSQLStateStore(app.DB, dbutil.ZeroLogger(app.Log.With().Str("db_section", "state").Logger()))
	cryptoLog := app.Log.With().Str("component", "crypto").Logger()
	app.Crypto = crypto.NewMachine(app.Client, &cryptoLog, app.CryptoStore, app.StateStore)
	app.Crypto.DefaultRotationPolicy = app.Config.Encryption.Rotation
	app.Metrics = crypto.NewMetrics(prometheus.DefaultRegisterer)
	app.Crypto.Metrics = app.Metrics
	return 0
}

// Start upgrades the database and loads the Olm account.
func (app *App) Start(ctx context.Context) error {
	err := app.CryptoStore.Upgrade(ctx)
	if err != nil {
		return fmt.Errorf("failed to upgrade crypto store: %w", err)
	}
	err = app.StateStore.Upgrade(ctx)
	if err != nil {
		return fmt.Errorf("failed to upgrade state store: %w", err)
	}
	err = app.Crypto.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load crypto machine: %w", err)
	}
	app.Log.Info().
		Stringer("user_id", app.Client.UserID).
		Stringer("device_id", app.Client.DeviceID).
		Str("identity_key", app.Crypto.OwnIdentity().IdentityKey.String()).
		Msg("Crypto machine loaded")
	return nil
}
