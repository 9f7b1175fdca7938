package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/callmedenchick/stompchat/internal/broker"
	"github.com/callmedenchick/stompchat/internal/chat"
	"github.com/callmedenchick/stompchat/internal/config"
	"github.com/callmedenchick/stompchat/internal/console"
	"github.com/callmedenchick/stompchat/internal/handlers"
	"github.com/callmedenchick/stompchat/internal/token"
	"github.com/google/uuid"
	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"golang.org/x/time/rate"
)

func main() {
	config.LoadConfig()
	cfg := config.Config

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("bad LOG_LEVEL: %v", err)
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)

	inspectToken(cfg)

	client, err := broker.NewClient(cfg.BrokerKind, broker.Options{
		URL:            cfg.BrokerURL,
		Headers:        map[string]string{"token": cfg.Token},
		HeartBeat:      cfg.HeartBeat(),
		ConnectTimeout: cfg.ConnectWait(),
		Name:           "stompchat-" + uuid.NewString()[:8],
		Routes:         map[string]string{cfg.PublishDestination: cfg.SubscribeDestination},
	})
	if err != nil {
		log.Fatalf("failed to create broker client: %v", err)
	}
	log.Infof("Using %s broker at %s", cfg.BrokerKind, cfg.BrokerURL)

	view := console.NewView(os.Stdout)
	session := chat.NewSession(client, view, chat.Options{
		SubscribeDestination: cfg.SubscribeDestination,
		PublishDestination:   cfg.PublishDestination,
	})

	if cfg.MetricsPort > 0 {
		go serveMetrics(cfg.MetricsPort, session)
	}

	var e *echo.Echo
	if cfg.ControlPort > 0 {
		e = newControlServer(cfg, session)
		go func() {
			if err := e.Start(fmt.Sprintf(":%v", cfg.ControlPort)); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("control server failed: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.AutoConnect {
		session.Connect()
	}
	fmt.Fprintln(os.Stdout, "type /help for commands")
	if err := console.Run(ctx, os.Stdin, view, session); err != nil {
		log.Errorf("console: %v", err)
	}

	session.Close()
	if e != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Errorf("control server shutdown: %v", err)
		}
	}
}

// inspectToken warns about tokens the broker is known to refuse; it never blocks the connection.
func inspectToken(cfg config.Settings) {
	log := log.WithField("prefix", "inspectToken")
	info, err := token.Check(cfg.Token, cfg.SubscribeDestination, time.Now())
	switch {
	case err == nil:
		log.Debugf("token for %q (issuer %s) matches %s", info.Name, info.Issuer, cfg.SubscribeDestination)
	case errors.Is(err, token.ErrNotJWT):
		log.Debug("token is not a JWT, passing it through as is")
	case errors.Is(err, token.ErrNotTopic):
		log.Debugf("cannot check token audience: %v", err)
	default:
		log.Warnf("broker will likely refuse this token: %v", err)
	}
}

func serveMetrics(port int, session *chat.Session) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		log := log.WithField("prefix", "HealthHandler")
		status := "ok"
		if err := session.HealthCheck(); err != nil {
			status = "disconnected"
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]string{"status": status}); err != nil {
			log.Errorf("failed to encode health check response: %v", err)
		}
	})
	log.Fatal(http.ListenAndServe(fmt.Sprintf(":%v", port), mux))
}

func newControlServer(cfg config.Settings, session *chat.Session) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		DisableStackAll:   true,
		DisablePrintStack: false,
	}))
	e.Use(middleware.Logger())
	e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return c.Path() != "/chat/send"
		},
		Store: middleware.NewRateLimiterMemoryStore(rate.Limit(cfg.SendRPSLimit)),
	}))

	if cfg.CorsEnable {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: []string{"*"},
			AllowMethods: []string{echo.GET, echo.POST, echo.OPTIONS},
			AllowHeaders: []string{"Content-Type", "Authorization"},
			MaxAge:       86400,
		}))
	}

	handlers.NewChatHandler(session).Register(e)
	handlers.NewHealthHandler(session).Register(e)

	var existedPaths []string
	for _, r := range e.Routes() {
		existedPaths = append(existedPaths, r.Path)
	}
	p := prometheus.NewPrometheus("chat_control", func(c echo.Context) bool {
		return !slices.Contains(existedPaths, c.Path())
	})
	e.Use(p.HandlerFunc)
	return e
}
