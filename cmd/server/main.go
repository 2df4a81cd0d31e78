package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"traffic-prism/internal/config"
	"traffic-prism/internal/factory"
	"traffic-prism/internal/handler"
	"traffic-prism/internal/util"
)

// workerShutdownTimeout bounds how long shutdown waits for the hub, the
// sweeper and the Kafka consumers after their context is cancelled.
const workerShutdownTimeout = 10 * time.Second

// workers tracks the factory's background loops.
type workers struct {
	names  []string
	cancel context.CancelFunc
	done   chan struct{}
}

func main() {
	// Factory loads config, connects the enabled backends and wires the
	// intake, risk, rules, dispatch and verdict services.
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize traffic-prism", util.ErrorField(err))
	}

	cfg := f.Config()
	bg := startWorkers(f)

	// Tracking, risk, session, rule and verdict routes plus the /ws channel
	router := setupRouter(f, cfg)

	// Determine server address based on TLS config
	var serverAddr string
	if cfg.Server.EnableTLS {
		serverAddr = fmt.Sprintf(":%d", cfg.Server.TLSPort)
	} else {
		serverAddr = cfg.GetServerAddress()
	}

	// Create HTTP server with configured timeouts
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// TLS configuration
	if cfg.Server.EnableTLS {
		tlsManager := f.TLSManager()
		server.TLSConfig = tlsManager.GetTLSConfig()

		// In production with AutoCert, handle redirect and cert management
		if cfg.IsProduction() && cfg.Server.AutoCert {
			startProductionServerWithAutoCert(f, bg, server, cfg, router)
			return
		}

		util.Info("Starting traffic-prism API over HTTPS",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.TLSPort),
			util.Bool("auto_cert", cfg.Server.AutoCert),
		)
	} else {
		util.Warn("Starting traffic-prism API over plain HTTP, session channel is ws:// only",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port),
		)
	}

	startServer(f, bg, server, cfg)
}

func startWorkers(f *factory.Factory) *workers {
	ctx, cancel := context.WithCancel(context.Background())
	w := &workers{names: f.Workers(), cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(w.done)
		if err := f.Run(ctx); err != nil {
			util.Error("Background worker stopped with error",
				util.Strings("workers", w.names),
				util.ErrorField(err))
		}
	}()

	util.Info("Background workers started", util.Strings("workers", w.names))
	return w
}

// stop cancels the workers and waits for them to drain.
func (w *workers) stop() {
	w.cancel()
	select {
	case <-w.done:
		util.Info("Background workers stopped", util.Strings("workers", w.names))
	case <-time.After(workerShutdownTimeout):
		util.Warn("Background workers did not stop in time",
			util.Strings("workers", w.names),
			util.Duration("timeout", workerShutdownTimeout))
	}
}

// setupRouter mounts the API and the session channel on a chi router.
func setupRouter(f *factory.Factory, cfg *config.Config) http.Handler {
	h := handler.New(f.HandlerDeps(), util.Named("http"))
	return handler.NewRouter(h, handler.RouterOptions{
		RequireTLS:     cfg.Server.EnableTLS && cfg.IsProduction(),
		AllowedOrigins: cfg.Server.CORSOrigins,
		RequestTimeout: cfg.Server.WriteTimeout,
	}, util.Get())
}

func startProductionServerWithAutoCert(f *factory.Factory, bg *workers, server *http.Server, cfg *config.Config, router http.Handler) {
	tlsManager := f.TLSManager()
	autoCertManager := tlsManager.GetAutocertManager()
	if autoCertManager == nil {
		util.Fatal("AutoCert manager is not available in production")
	}

	// Port 80 only answers ACME challenges and redirects to HTTPS
	httpServer := &http.Server{
		Addr:    ":80",
		Handler: autoCertManager.HTTPHandler(nil),
	}

	httpsServer := &http.Server{
		Addr:      ":443",
		Handler:   router,
		TLSConfig: server.TLSConfig,
	}

	go func() {
		util.Info("Starting ACME challenge listener on port 80")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Error("ACME challenge listener failed", util.ErrorField(err))
		}
	}()

	go func() {
		util.Info("Starting traffic-prism API with AutoCert on port 443",
			util.String("domain", cfg.Server.Domain),
		)
		if err := httpsServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			util.Error("HTTPS AutoCert server failed", util.ErrorField(err))
		}
	}()

	waitForShutdown(f, bg, httpsServer, httpServer)
}

func startServer(f *factory.Factory, bg *workers, server *http.Server, cfg *config.Config) {
	go func() {
		var err error
		if cfg.Server.EnableTLS {
			if cfg.Server.AutoCert {
				err = server.ListenAndServeTLS("", "")
			} else if cfg.Server.CertFile != "" && cfg.Server.KeyFile != "" {
				err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
			} else {
				err = server.ListenAndServeTLS("", "")
			}
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			util.Fatal("traffic-prism API failed to start", util.ErrorField(err))
		}
	}()

	util.Info("traffic-prism API listening",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.String("address", server.Addr),
	)

	waitForShutdown(f, bg, server)
}

// waitForShutdown stops the listeners first so no new events or commands
// arrive, then the background workers, then the backend clients.
func waitForShutdown(f *factory.Factory, bg *workers, servers ...*http.Server) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-signalChan
	util.Info("Received shutdown signal", util.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, srv := range servers {
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				util.Error("Listener did not drain in time", util.String("address", srv.Addr), util.ErrorField(err))
			} else {
				util.Info("Listener closed", util.String("address", srv.Addr))
			}
		}
	}

	bg.stop()
	if err := f.Close(); err != nil {
		util.Error("Failed to close backend clients", util.ErrorField(err))
	}
}
