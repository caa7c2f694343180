// Command quark runs the reverse proxy: load a TOML config, compile its
// routing tables, and serve every configured server block until an
// interrupt signal asks it to drain and exit.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	log "github.com/go-pkgz/lgr"
	"github.com/umputun/go-flags"

	"github.com/goliworks/quark/app/config"
	"github.com/goliworks/quark/app/mgmt"
	"github.com/goliworks/quark/app/server"
	"github.com/goliworks/quark/app/supervisor"
)

var opts struct {
	Config string `short:"c" long:"config" env:"CONFIG" default:"quark.toml" description:"path to the TOML config file"`
	Logs   string `long:"logs" env:"LOGS" description:"path to the access log file, overrides global.access_log"`
	Dbg    bool   `long:"dbg" env:"DEBUG" description:"debug mode"`
}

var revision = "unknown"

// exit codes per the CLI contract: 0 normal, 1 config error, 2 CLI/bind
// error, 3 fatal I/O during serve.
const (
	exitOK          = 0
	exitConfigError = 1
	exitCLIError    = 2
	exitFatal       = 3
)

func main() {
	fmt.Printf("quark %s\n", revision)

	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(exitOK)
		}
		os.Exit(exitCLIError)
	}

	setupLog(opts.Dbg)
	log.Printf("[DEBUG] options: %+v", opts)

	cfg, err := config.Load(opts.Config)
	if err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(exitConfigError)
	}
	if opts.Logs != "" {
		cfg.Global.AccessLog = opts.Logs
	}

	if err := run(cfg); err != nil {
		log.Printf("[ERROR] %v", err)
		if isBindError(err) {
			os.Exit(exitCLIError)
		}
		os.Exit(exitFatal)
	}
}

// isBindError reports whether err originates from a failed listen (port
// already in use, permission denied), which exits 2 rather than the
// generic fatal-I/O code 3. Covers both supervisor.Listen's own socket
// calls and the stdlib net.Listen path the management server uses.
func isBindError(err error) bool {
	if errors.Is(err, supervisor.ErrBind) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "listen"
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		log.Printf("[WARN] interrupt signal")
		cancel()
	}()

	metrics := mgmt.NewMetrics()

	srv, err := server.New(cfg, revision, metrics)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	mgmtSrv := &mgmt.Server{
		Listen:  cfg.Global.MgmtListen,
		Version: revision,
		Config:  cfg,
		Metrics: metrics,
	}

	errCh := make(chan error, 2)
	go func() { errCh <- srv.Run(ctx) }()
	go func() {
		if err := mgmtSrv.Run(ctx); err != nil {
			errCh <- fmt.Errorf("management server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		cancel()
		return err
	case <-ctx.Done():
		return <-errCh
	}
}

func setupLog(dbg bool) {
	if dbg {
		log.Setup(log.Debug, log.CallerFile, log.CallerFunc, log.Msec, log.LevelBraces)
		return
	}
	log.Setup(log.Msec, log.LevelBraces)
}
