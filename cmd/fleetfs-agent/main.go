package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fleetfs/internal/agent"
)

var version = "dev"

func main() {
	addr := flag.String("addr", ":8088", "listen address")
	root := flag.String("root", ".", "storage root whose capacity is reported")
	token := flag.String("token", os.Getenv("FLEETFS_AGENT_TOKEN"), "bearer token required on /v0/capacity")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	srv := &agent.Server{Version: version, Root: *root, Token: *token}
	tlsCfg := agent.LoadMTLSConfig()
	go func() {
		var err error
		if tlsCfg.ServerCert != "" {
			err = srv.ListenAndServeTLS(*addr, tlsCfg)
		} else {
			err = srv.ListenAndServe(*addr)
		}
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}()
	fmt.Fprintf(os.Stdout, "fleetfs-agent listening on %s (root %s)\n", *addr, *root)
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	fmt.Fprintln(os.Stdout, "fleetfs-agent shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
