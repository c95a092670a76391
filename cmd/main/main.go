package main

// @title ZapMesh WhatsApp Gateway
// @version 1.0.0
// @description Multi-tenant WhatsApp session lifecycle manager and outbound dispatch engine

// @host localhost:7001
// @BasePath /

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description JWT Bearer token issued to backend services

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	cron "github.com/robfig/cron/v3"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"

	"github.com/zapmesh/wagateway/internal"
	"github.com/zapmesh/wagateway/pkg/dedup"
	"github.com/zapmesh/wagateway/pkg/dispatch"
	"github.com/zapmesh/wagateway/pkg/env"
	"github.com/zapmesh/wagateway/pkg/log"
	"github.com/zapmesh/wagateway/pkg/metrics"
	"github.com/zapmesh/wagateway/pkg/phone"
	"github.com/zapmesh/wagateway/pkg/queue"
	"github.com/zapmesh/wagateway/pkg/relay"
	"github.com/zapmesh/wagateway/pkg/router"
	"github.com/zapmesh/wagateway/pkg/session"
	"github.com/zapmesh/wagateway/pkg/store"
	"github.com/zapmesh/wagateway/pkg/whatsapp"
)

type Server struct {
	Address string
	Port    string
}

// registryPool adapts the session registry to the dispatcher's pool
// contract, filtering out sessions that are not online.
type registryPool struct {
	registry *session.Registry
}

func (p registryPool) ListOnline() []string {
	return p.registry.ListOnline()
}

func (p registryPool) Sender(instanceID string) (dispatch.Sender, bool) {
	s, ok := p.registry.Get(instanceID)
	if !ok || !s.Online() {
		return nil, false
	}
	return s, true
}

func main() {
	ctx := context.Background()

	// Intialize Cron
	c := cron.New(cron.WithChain(
		cron.Recover(cron.DiscardLogger),
	), cron.WithSeconds())

	// Instance auth storage: one sqlite container per instance, or a
	// shared postgres container when WHATSAPP_DATASTORE_URI points at one.
	storageCfg := whatsapp.StorageConfig{
		Root:         env.GetEnvStringOrDefault("SESSION_STORAGE_ROOT", "./sessions"),
		DatastoreURI: env.GetEnvStringOrDefault("WHATSAPP_DATASTORE_URI", ""),
	}

	factory, err := whatsapp.NewFactory(ctx, storageCfg, env.GetEnvStringOrDefault("WHATSAPP_CLIENT_PROXY_URL", ""))
	if err != nil {
		log.Print(nil).Fatal(err.Error())
	}

	// Optional gateway database for the instance roster and audit logs.
	var gatewayStore *store.Store
	if dsn := env.GetEnvStringOrDefault("GATEWAY_DATABASE_URL", ""); dsn != "" {
		gatewayStore, err = store.Open(ctx, dsn)
		if err != nil {
			log.Print(nil).Fatal(err.Error())
		}
		defer gatewayStore.Close()
	}

	inboundRelay, err := relay.New(relay.Config{
		URL:     env.GetEnvStringOrDefault("RELAY_URL", ""),
		Secret:  env.GetEnvStringOrDefault("RELAY_SECRET", ""),
		Workers: env.GetEnvIntOrDefault("RELAY_WORKERS", relay.DefaultWorkers),
	})
	if err != nil {
		log.Print(nil).Fatal(err.Error())
	}

	guard := dedup.NewGuard(env.GetEnvDurationOrDefault("DEDUP_WINDOW", dedup.DefaultWindow))

	// Registry is referenced inside its own hooks, so declare it first.
	var registry *session.Registry

	hooks := session.Hooks{
		OnInbound: func(instanceID string, in whatsapp.Inbound) {
			metrics.InboundTotal.Inc()
			inboundRelay.Accept(instanceID, in)
			if gatewayStore != nil {
				go func() {
					logCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					_ = gatewayStore.LogInbound(logCtx, store.InboundEntry{
						InstanceID: instanceID,
						Chat:       in.Chat,
						Sender:     in.Sender,
						MessageID:  in.MessageID,
						Preview:    dispatch.Preview(in.Body, 80),
						IsGroup:    in.IsGroup,
					})
				}()
			}
		},
		OnState: func(instanceID string, st session.State) {
			metrics.SessionsOnline.Set(float64(len(registry.ListOnline())))
			if st == session.StateFailed {
				metrics.SessionFailures.Inc()
			}
		},
	}

	sessionCfg := session.Config{
		ReconnectDelay: env.GetEnvDurationOrDefault("SESSION_RECONNECT_DELAY", session.DefaultReconnectDelay),
		MaxRetries:     env.GetEnvIntOrDefault("SESSION_MAX_RETRIES", session.DefaultMaxRetries),
		StartupTimeout: env.GetEnvDurationOrDefault("SESSION_STARTUP_TIMEOUT", session.DefaultStartupTimeout),
	}
	registry = session.NewRegistry(factory, storageCfg, sessionCfg, hooks)

	normalizer := phone.Normalizer{
		Country:          env.GetEnvStringOrDefault("PHONE_COUNTRY_CODE", phone.DefaultCountry),
		NinthDigitDDDMax: env.GetEnvIntOrDefault("PHONE_NINTH_DIGIT_DDD_MAX", phone.DefaultNinthDigitDDDMax),
	}

	dispatchCfg := dispatch.Config{
		RetryAttempts:    env.GetEnvIntOrDefault("DISPATCH_RETRY_ATTEMPTS", dispatch.DefaultRetryAttempts),
		RetryDelay:       env.GetEnvDurationOrDefault("DISPATCH_RETRY_DELAY", dispatch.DefaultRetryDelay),
		SelectionTimeout: env.GetEnvDurationOrDefault("DISPATCH_SELECTION_TIMEOUT", dispatch.DefaultSelectionTimeout),
		SelectionPoll:    env.GetEnvDurationOrDefault("DISPATCH_SELECTION_POLL", dispatch.DefaultSelectionPoll),
		RatePerSecond:    float64(env.GetEnvIntOrDefault("DISPATCH_RATE_PER_SECOND", 10)),
		RateBurst:        env.GetEnvIntOrDefault("DISPATCH_RATE_BURST", 20),
	}
	dispatcher := dispatch.New(registryPool{registry: registry}, guard, normalizer, dispatchCfg)
	dispatcher.OnRecord = func(rec dispatch.Record) {
		metrics.SendsTotal.WithLabelValues(string(rec.Outcome), rec.Kind).Inc()
		metrics.SendDuration.Observe(rec.Duration.Seconds())
		if gatewayStore != nil {
			go func() {
				logCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = gatewayStore.LogOutbound(logCtx, store.OutboundEntry{
					InstanceID:  rec.InstanceID,
					Destination: rec.Destination,
					MessageID:   rec.MessageID,
					Kind:        rec.Kind,
					Preview:     rec.Preview,
					Outcome:     string(rec.Outcome),
					Error:       rec.Error,
				})
			}()
		}
	}

	queueCfg := queue.Config{
		MessageInterval:    env.GetEnvDurationOrDefault("QUEUE_MESSAGE_INTERVAL", queue.DefaultMessageInterval),
		BatchSize:          env.GetEnvIntOrDefault("QUEUE_BATCH_SIZE", queue.DefaultBatchSize),
		BatchPause:         env.GetEnvDurationOrDefault("QUEUE_BATCH_PAUSE", queue.DefaultBatchPause),
		MaxConcurrentJobs:  int64(env.GetEnvIntOrDefault("QUEUE_MAX_CONCURRENT_JOBS", int(queue.DefaultMaxConcurrentJobs))),
		UnavailableTimeout: env.GetEnvDurationOrDefault("QUEUE_UNAVAILABLE_TIMEOUT", queue.DefaultUnavailableTimeout),
	}
	runner := queue.NewRunner(dispatcher, queueCfg)
	runner.OnFinish = func(s queue.Summary) {
		metrics.BroadcastJobsTotal.WithLabelValues(string(s.State)).Inc()
	}

	deps := internal.Deps{
		Registry:     registry,
		Dispatcher:   dispatcher,
		Queue:        runner,
		Guard:        guard,
		Store:        gatewayStore,
		JobRetention: env.GetEnvDurationOrDefault("QUEUE_JOB_RETENTION", 24*time.Hour),
		LogRetention: env.GetEnvDurationOrDefault("LOG_RETENTION", 30*24*time.Hour),
	}

	// Initialize Fiber
	app := fiber.New(fiber.Config{
		ErrorHandler:   router.HttpErrorHandler,
		BodyLimit:      router.BodyLimitBytes(),
		ReadBufferSize: 8192,
	})

	// Request ID + panic recovery (structured JSON)
	app.Use(router.HttpRequestID())
	app.Use(router.RecoveryMiddleware())

	// Router Compression
	app.Use(compress.New(compress.Config{
		Level: compress.Level(router.GZipLevel),
		Next: func(c *fiber.Ctx) bool {
			return strings.Contains(c.Path(), "docs")
		},
	}))

	// Router CORS
	app.Use(cors.New(cors.Config{
		AllowOrigins: router.CORSOrigin,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET,POST,PUT,PATCH,DELETE",
	}))

	// Router Security
	app.Use(helmet.New(helmet.Config{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "SAMEORIGIN",
	}))

	// Router RealIP + request context enrichment
	app.Use(router.HttpRealIP())

	// Router Default Handler
	app.Get("/favicon.ico", router.ResponseNoContent)

	// Load Internal Routes
	internal.Routes(app, deps)

	// Restore sessions for every known instance
	internal.Startup(ctx, deps)

	// Running Routines Tasks
	internal.Routines(c, deps)

	// Optional dedicated metrics listener
	go metrics.Serve(env.GetEnvStringOrDefault("METRICS_ADDRESS", ""))

	// Get Server Configuration with defaults
	var serverConfig Server
	serverConfig.Address = env.GetEnvStringOrDefault("SERVER_ADDRESS", "0.0.0.0")
	serverConfig.Port = env.GetEnvStringOrDefault("SERVER_PORT", "7001")

	// Start Server
	go func() {
		if err := app.Listen(serverConfig.Address + ":" + serverConfig.Port); err != nil {
			log.Print(nil).Fatal(err.Error())
		}
	}()

	// Watch for Shutdown Signal
	sigShutdown := make(chan os.Signal, 1)
	signal.Notify(sigShutdown, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-sigShutdown

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	// Try To Shutdown Server
	if err := app.ShutdownWithContext(ctxShutdown); err != nil {
		log.Print(nil).Error(err.Error())
	}

	// Stop background work, then drop the sessions without logging them
	// out so pairings survive the restart.
	c.Stop()
	runner.Shutdown()
	inboundRelay.Shutdown()
	registry.Shutdown()
}
