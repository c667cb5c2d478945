// Command spimd runs the microscope motion controller and publishes the
// instrument state over HTTP, a WebSocket and a line-oriented control port.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/lightsheet/spimctl/internal/config"
	"github.com/lightsheet/spimctl/state"
	"golang.org/x/sync/errgroup"
)

var (
	configPath  = flag.String("config", "", "configuration file; demo devices if empty")
	addr        = flag.String("addr", "127.0.0.1:8502", "address to serve HTTP on")
	controlAddr = flag.String("control_addr", "127.0.0.1:4533", "address to serve the control protocol on; empty to disable")
	staticDir   = flag.String("static_dir", "", "directory containing static files")
	simulate    = flag.Bool("simulate", false, "connect serial devices to simulators instead of ports")
)

func loadConfig() (*config.Config, error) {
	if *configPath == "" {
		return config.Default(), nil
	}
	return config.Load(*configPath)
}

func main() {
	flag.Parse()
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	st := state.New(cfg.StartupValues(), state.WithStrict(cfg.Debug))
	o := &opener{cfg: cfg, simulate: *simulate, ctx: ctx, g: g}
	m, err := o.build(st)
	if err != nil {
		log.Fatal(err)
	}
	defer m.Close()

	if err := m.RefreshPosition(); err != nil {
		log.Printf("initial position: %v", err)
	}
	st.Set(state.KeyState, state.ModeIdle)
	g.Go(func() error {
		err := m.Watch(ctx, cfg.PositionInterval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	server := NewServer(m)
	if *controlAddr != "" {
		if err := server.ListenControl(ctx, *controlAddr); err != nil {
			log.Fatal(err)
		}
	}

	r := mux.NewRouter()
	r.Handle("/api/state", http.HandlerFunc(server.StateHandler)).Methods(http.MethodGet)
	r.Handle("/api/ws", http.HandlerFunc(server.StateSocketHandler))
	if *staticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(*staticDir)))
	}
	srv := &http.Server{
		Handler:     r,
		Addr:        *addr,
		ReadTimeout: 15 * time.Second,
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		log.Printf("listening on %v", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Print(err)
	}
}
