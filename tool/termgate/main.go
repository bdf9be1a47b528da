/*
Copyright 2025 TermGate Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/termgate/termgate"
	"github.com/termgate/termgate/lib/config"
	"github.com/termgate/termgate/lib/defaults"
	"github.com/termgate/termgate/lib/service"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.WithError(err).Error("Gateway exited with error.")
		os.Exit(1)
	}
}

func run(args []string) error {
	var cfg config.Config

	app := kingpin.New(termgate.ProductName, "Browser terminal gateway backed by tmux.")
	app.HelpFlag.Short('h')
	debug := app.Flag("debug", "Enable verbose logging to stderr.").
		Envar(termgate.DebugEnvVar).Bool()

	start := app.Command("start", "Start the gateway.")
	start.Flag("listen-host", "Interface to bind to.").
		Envar("TERMGATE_LISTEN_HOST").StringVar(&cfg.ListenHost)
	start.Flag("listen-port", "TCP port to bind to.").
		Envar("TERMGATE_LISTEN_PORT").IntVar(&cfg.ListenPort)
	start.Flag("token", "Shared secret clients must present. Empty disables authentication.").
		Envar("TERMGATE_TOKEN").StringVar(&cfg.AuthToken)
	start.Flag("working-dir", "Default working directory of new sessions.").
		Envar("TERMGATE_WORKING_DIR").StringVar(&cfg.DefaultWorkingDir)
	start.Flag("https", "Terminate TLS at the gateway.").
		Envar("TERMGATE_HTTPS").BoolVar(&cfg.HTTPS)
	start.Flag("cert-file", "TLS certificate file.").
		Envar("TERMGATE_CERT_FILE").StringVar(&cfg.CertFile)
	start.Flag("key-file", "TLS private key file.").
		Envar("TERMGATE_KEY_FILE").StringVar(&cfg.KeyFile)
	start.Flag("cors-origin", "Access-Control-Allow-Origin value. Empty disables CORS.").
		Envar("TERMGATE_CORS_ORIGIN").StringVar(&cfg.CORSOrigin)
	start.Flag("trust-proxy", "Number of proxy hops trusted in X-Forwarded-For.").
		Envar("TERMGATE_TRUST_PROXY").IntVar(&cfg.TrustProxy)
	start.Flag("max-conns-per-identity", "Concurrent terminal connections allowed per identity.").
		Envar("TERMGATE_MAX_CONNS_PER_IDENTITY").IntVar(&cfg.MaxConnsPerIdentity)
	ttlHours := start.Flag("session-ttl-hours", "Hours a detached session survives before the reaper kills it.").
		Envar("TERMGATE_SESSION_TTL_HOURS").Int()
	start.Flag("read-rate", "REST read requests allowed per minute per address.").
		Envar("TERMGATE_READ_RATE").IntVar(&cfg.ReadRatePerMinute)
	start.Flag("write-rate", "REST write requests allowed per minute per address.").
		Envar("TERMGATE_WRITE_RATE").IntVar(&cfg.WriteRatePerMinute)
	start.Flag("data-dir", "Directory holding the gateway store.").
		Envar("TERMGATE_DATA_DIR").StringVar(&cfg.DataDir)
	start.Flag("tmux-bin", "tmux binary to use.").
		Envar("TERMGATE_TMUX_BIN").StringVar(&cfg.TmuxBin)
	start.Flag("tmux-socket", "Dedicated tmux socket name (tmux -L).").
		Envar("TERMGATE_TMUX_SOCKET").StringVar(&cfg.TmuxSocketName)

	ver := app.Command("version", "Print the version and exit.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	initLogger(*debug)
	cfg.Debug = *debug
	if *ttlHours > 0 {
		cfg.SessionTTL = time.Duration(*ttlHours) * time.Hour
	}

	switch command {
	case start.FullCommand():
		return trace.Wrap(onStart(&cfg))
	case ver.FullCommand():
		fmt.Printf("%v v%v %v\n", termgate.ProductName, termgate.Version, runtime.Version())
	}
	return nil
}

func onStart(cfg *config.Config) error {
	process, err := service.New(cfg)
	if err != nil {
		return trace.Wrap(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		// Restore default signal handling so a second signal kills the
		// process the usual way, and cap the graceful path in case it
		// wedges in a syscall the shutdown deadline cannot reach.
		stop()
		time.AfterFunc(defaults.ShutdownDrainWait+2*defaults.ShutdownWatchdog, func() {
			log.Error("Shutdown watchdog fired, exiting.")
			os.Exit(1)
		})
	}()

	return trace.Wrap(process.Run(ctx))
}

func initLogger(debug bool) {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	if debug {
		log.SetLevel(log.DebugLevel)
		log.Debug("Debug logging enabled.")
	} else {
		log.SetLevel(log.InfoLevel)
	}
}
