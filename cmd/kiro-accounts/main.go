package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pysugar/kiro-accounts/internal/account"
	"github.com/pysugar/kiro-accounts/internal/api"
	"github.com/pysugar/kiro-accounts/internal/auth/login"
	"github.com/pysugar/kiro-accounts/internal/config"
	"github.com/pysugar/kiro-accounts/internal/db"
	"github.com/pysugar/kiro-accounts/internal/deeplink"
	"github.com/pysugar/kiro-accounts/internal/instance"
	"github.com/pysugar/kiro-accounts/internal/machineid"
	"github.com/pysugar/kiro-accounts/internal/provider"
	"github.com/pysugar/kiro-accounts/internal/service"
	"github.com/pysugar/kiro-accounts/internal/version"
	"github.com/spf13/pflag"
	"gorm.io/gorm"
)

type options struct {
	configPath     string
	listen         string
	dataDir        string
	logLevel       string
	noBrowser      bool
	openURL        bool
	registerScheme bool
	showVersion    bool

	// export / import
	out       string
	redact    bool
	encrypt   bool
	overwrite bool
	ids       []string
}

func main() {
	var opts options
	fs := pflag.NewFlagSet("kiro-accounts", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "config file (default: "+config.EnvFile+" or the first kiro-accounts.yaml found)")
	fs.StringVar(&opts.listen, "listen", "", "command API address")
	fs.StringVar(&opts.dataDir, "data-dir", "", "data directory")
	fs.StringVar(&opts.logLevel, "log-level", "", "database log level (silent, error, warn, info)")
	fs.BoolVar(&opts.noBrowser, "no-browser", false, "print authorization URLs instead of opening a browser")
	fs.BoolVar(&opts.openURL, "open-url", false, "handle a callback URL passed by the OS after --")
	fs.BoolVar(&opts.registerScheme, "register-scheme", false, "register this executable as the URL scheme handler and exit")
	fs.BoolVarP(&opts.showVersion, "version", "v", false, "print version and exit")
	fs.StringVarP(&opts.out, "out", "o", "", "export: output file (default stdout)")
	fs.BoolVar(&opts.redact, "redact", false, "export: blank tokens and secrets")
	fs.BoolVar(&opts.encrypt, "encrypt", false, "export/import: prompt for a passphrase")
	fs.BoolVar(&opts.overwrite, "overwrite", false, "import: replace accounts with the same id")
	fs.StringSliceVar(&opts.ids, "id", nil, "export: account ids (default all)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: kiro-accounts [flags] [serve | export | import FILE | apikey | scan]\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	if opts.showVersion {
		fmt.Printf("kiro-accounts %s (commit %s, built %s)\n", version.Version, version.Commit, version.BuildTime)
		return
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	applyFlags(&cfg, opts)

	if opts.registerScheme {
		exe, err := os.Executable()
		if err != nil {
			log.Fatalf("❌ Failed to locate executable: %v", err)
		}
		for _, scheme := range cfg.Schemes {
			if err := deeplink.RegisterScheme(scheme, exe); err != nil {
				log.Fatalf("❌ %v", err)
			}
		}
		return
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Fatalf("❌ Failed to create data directory: %v", err)
	}

	cmd := "serve"
	args := fs.Args()
	if !opts.openURL && len(args) > 0 && !strings.Contains(args[0], "://") {
		cmd, args = args[0], args[1:]
	}

	sock := instance.SocketPath(cfg.DataDir)
	lis, err := instance.Acquire(sock)
	if errors.Is(err, instance.ErrRunning) {
		if cmd != "serve" {
			log.Fatalf("❌ kiro-accounts is already running; use its API at http://%s", cfg.Listen)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := instance.Forward(ctx, sock, os.Args); err != nil {
			log.Fatalf("❌ Failed to reach the running instance: %v", err)
		}
		log.Printf("📨 Handed off to the running instance")
		return
	}
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	defer lis.Close()

	app, err := open(cfg)
	if err != nil {
		lis.Close()
		log.Fatalf("❌ %v", err)
	}

	switch cmd {
	case "serve":
		err = serve(cfg, app, lis)
	case "export":
		err = runExport(app, cfg, opts)
	case "import":
		err = runImport(app, opts, args)
	case "apikey":
		fmt.Println(db.GetAPIKey(app.db))
	case "scan":
		err = runScan(app)
	default:
		fs.Usage()
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		lis.Close()
		log.Fatalf("❌ %v", err)
	}
}

func applyFlags(cfg *config.Config, opts options) {
	if opts.listen != "" {
		cfg.Listen = opts.listen
	}
	if opts.dataDir != "" {
		cfg.DataDir = opts.dataDir
		cfg.DBPath = ""
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "accounts.db")
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.noBrowser {
		cfg.Login.OpenBrowser = false
	}
}

// app holds the opened components.
type app struct {
	db         *gorm.DB
	binder     *machineid.Binder
	store      *account.Store
	login      *login.State
	svc        *service.Service
	deliveries chan deeplink.Delivery
}

func open(cfg config.Config) (*app, error) {
	database, err := db.InitDB(cfg.DBPath, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	var browser provider.BrowserOpener
	if cfg.Login.OpenBrowser {
		browser = provider.DefaultBrowser
	}
	prober := &provider.Prober{
		BaseURL:    cfg.Probe.Endpoint,
		HTTPClient: &http.Client{Timeout: cfg.Probe.Timeout},
	}
	social := provider.NewSocial(provider.SocialConfig{
		Endpoint:    cfg.Social.Endpoint,
		RedirectURI: cfg.Social.RedirectURI,
		ClientID:    cfg.Social.ClientID,
		Browser:     browser,
		Prober:      prober,
	})
	idc := provider.NewIdentityCenter(provider.IdentityCenterConfig{
		StartURL: cfg.IdC.StartURL,
		Region:   cfg.IdC.Region,
		MaxWait:  cfg.IdC.MaxWait,
		Browser:  browser,
		Prober:   prober,
	})
	providers := &provider.Set{
		Social:         social,
		IdentityCenter: idc,
		DirectImport: provider.NewDirectImport(provider.DirectImportConfig{
			Social:         social,
			IdentityCenter: idc,
			Prober:         prober,
		}),
	}

	binder := machineid.NewBinder(database, machineid.DefaultSource(cfg.DataDir))
	store, err := account.NewStore(context.Background(), account.Config{
		DB:            database,
		Binder:        binder,
		Providers:     account.FromSet(providers),
		RefreshGrace:  cfg.Refresh.Grace,
		RefreshAhead:  cfg.Refresh.Ahead,
		RetryInterval: cfg.Refresh.RetryInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open account store: %w", err)
	}
	state := login.New(login.Config{
		Providers: login.FromSet(providers),
		Lifetime:  cfg.Login.Lifetime,
	})

	deliveries := make(chan deeplink.Delivery, 8)
	// Loopback callbacks are re-rooted onto the scheme URL the router accepts.
	svc := service.New(service.Config{
		Store:            store,
		Login:            state,
		Binder:           binder,
		Deliveries:       deliveries,
		CallbackPort:     cfg.Login.CallbackPort,
		RedirectURI:      provider.DefaultRedirectURI,
		KiroTokenPath:    cfg.KiroTokenPath,
		ExportWorkFactor: cfg.Export.WorkFactor,
	})
	return &app{db: database, binder: binder, store: store, login: state, svc: svc, deliveries: deliveries}, nil
}

func serve(cfg config.Config, a *app, lis *instance.Listener) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	router := deeplink.New(deeplink.FromState(a.login), cfg.Schemes...)
	go router.Run(ctx, a.deliveries)
	go func() {
		focus := func() { log.Printf("👀 Another launch was forwarded here") }
		if err := lis.Serve(ctx, a.deliveries, focus); err != nil {
			log.Printf("⚠️ Instance listener stopped: %v", err)
		}
	}()
	// A first launch by the OS carries the callback in its own argv.
	if len(os.Args) > 1 {
		if _, ok := deeplink.ExtractURL(os.Args, cfg.Schemes[0]); ok {
			a.deliveries <- deeplink.Delivery{Source: deeplink.SourceRelaunch, Args: os.Args}
		}
	}

	a.store.StartRefreshLoop(ctx, cfg.Refresh.Interval)

	srv := &http.Server{
		Addr: cfg.Listen,
		Handler: api.NewRouter(api.Deps{
			DB:               a.db,
			Service:          a.svc,
			Store:            a.store,
			Binder:           a.binder,
			AdminPassword:    cfg.AdminPassword,
			ExportWorkFactor: cfg.Export.WorkFactor,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.login.Cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("🚀 kiro-accounts %s starting on http://%s", version.Version, cfg.Listen)
	log.Printf("🔑 API key: kiro-accounts apikey")
	log.Printf("📁 Data directory: %s", cfg.DataDir)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	log.Printf("👋 Shut down")
	return nil
}
