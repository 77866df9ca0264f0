package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/josephrent/locksmith-dispatch/internal/apperr"
	"github.com/josephrent/locksmith-dispatch/internal/audit"
	"github.com/josephrent/locksmith-dispatch/internal/config"
	"github.com/josephrent/locksmith-dispatch/internal/dispatch"
	"github.com/josephrent/locksmith-dispatch/internal/geocode"
	"github.com/josephrent/locksmith-dispatch/internal/httpapi"
	"github.com/josephrent/locksmith-dispatch/internal/inbound"
	"github.com/josephrent/locksmith-dispatch/internal/lock"
	"github.com/josephrent/locksmith-dispatch/internal/objectstore"
	"github.com/josephrent/locksmith-dispatch/internal/payment"
	"github.com/josephrent/locksmith-dispatch/internal/session"
	"github.com/josephrent/locksmith-dispatch/internal/sms"
	"github.com/josephrent/locksmith-dispatch/internal/store"
	"github.com/josephrent/locksmith-dispatch/migrations"
	"github.com/josephrent/locksmith-dispatch/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool := connectPostgresPool(ctx, cfg.DatabaseURL, logger)
	if dbPool != nil {
		defer dbPool.Close()
		runAutoMigrate(connectSQLDB(dbPool, logger), logger)
	}

	redisClient := connectRedis(cfg.RedisURL, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	s := store.NewStore(dbPool)
	auditLog := audit.New(s)

	gateway := buildSMSGateway(cfg, logger)
	payments := buildPaymentAdapter(cfg, logger)
	geocoder := buildGeocoder(cfg, logger)
	locker := buildLocker(redisClient)
	objects := buildObjectStore(ctx, cfg, logger)

	dispatcher := dispatch.New(s, gateway, locker, auditLog, dispatch.Config{
		WaveSize:            cfg.WaveSize,
		WaveDelay:           time.Duration(cfg.WaveDelaySeconds) * time.Second,
		DispatchConcurrency: cfg.DispatchConcurrency,
	}, logger)

	engine := session.NewEngine(s, auditLog, geocoder, payments, dispatcher, session.Config{
		ServiceAreas:        cfg.ServiceAreas,
		DepositAmountsCents: cfg.DepositAmountsCents,
		DevMode:             cfg.IsDevelopment(),
	}, logger)

	inboundHandler := inbound.NewHandler(s, dispatcher, auditLog, logger)

	paymentWebhooks := payment.NewWebhookHandler(cfg.PaymentWebhookSecret, s, logger, onPaymentEvent(s, auditLog, logger))

	customerHandler := httpapi.NewCustomerHandler(engine, s, objects, logger)
	adminHandler := httpapi.NewAdminHandler(s, dispatcher, payments, auditLog, logger)
	webhookHandler := httpapi.NewWebhookHandler(gateway, inboundHandler, paymentWebhooks, cfg.SMSWebhookURL, logger)

	router := httpapi.New(&httpapi.Config{
		Logger:             logger,
		Customer:           customerHandler,
		Admin:              adminHandler,
		Webhooks:           webhookHandler,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimitPerSecond: cfg.RateLimitPerSecond,
		RateLimitBurst:     cfg.RateLimitBurst,
		AdminAuthSecret:    cfg.AdminToken,
		DB:                 dbPool,
		RedisClient:        redisClient,
		HasSMSProvider:     cfg.SMSAccountSID != "" || cfg.AllowFakePayments,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func connectPostgresPool(ctx context.Context, dbURL string, logger *logging.Logger) *pgxpool.Pool {
	if dbURL == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping postgres", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to postgres")
	return pool
}

func connectSQLDB(pool *pgxpool.Pool, logger *logging.Logger) *sql.DB {
	db := stdlib.OpenDBFromPool(pool)
	logger.Info("sql db wrapper initialized")
	return db
}

func runAutoMigrate(db *sql.DB, logger *logging.Logger) {
	srcDriver, err := iofs.New(migrations.FS, ".")
	if err != nil {
		logger.Error("auto-migrate: failed to open migrations source", "error", err)
		return
	}
	dbDriver, err := pgmigrate.WithInstance(db, &pgmigrate.Config{})
	if err != nil {
		logger.Error("auto-migrate: failed to create db driver", "error", err)
		return
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "postgres", dbDriver)
	if err != nil {
		logger.Error("auto-migrate: failed to create migrator", "error", err)
		return
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Error("auto-migrate: migration failed", "error", err)
		return
	}
	logger.Info("auto-migrate: database migrations applied")
}

func connectRedis(redisURL string, logger *logging.Logger) *redis.Client {
	if redisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Error("failed to parse REDIS_URL", "error", err)
		os.Exit(1)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("failed to ping redis", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to redis")
	return client
}

// buildSMSGateway falls back to an in-memory fake when no Twilio account is
// configured, so the funnel and dispatcher work end to end in development
// without a real SMS provider.
func buildSMSGateway(cfg *config.Config, logger *logging.Logger) sms.Gateway {
	if cfg.SMSAccountSID == "" || cfg.SMSAuthToken == "" {
		logger.Warn("no SMS_ACCOUNT configured, using in-memory fake gateway")
		return sms.NewFakeGateway()
	}
	return sms.NewTwilioGateway(cfg.SMSAccountSID, cfg.SMSAuthToken, cfg.SMSFromNumber, logger)
}

// buildPaymentAdapter falls back to an auto-confirming fake when
// ALLOW_FAKE_PAYMENTS is set, mirroring cfg.IsDevelopment's relaxed paths.
func buildPaymentAdapter(cfg *config.Config, logger *logging.Logger) payment.Adapter {
	if cfg.AllowFakePayments || cfg.PaymentSecret == "" {
		logger.Warn("using fake payment adapter", "allow_fake_payments", cfg.AllowFakePayments)
		return payment.NewFakeAdapter()
	}
	return payment.NewStripeAdapter(cfg.PaymentSecret, logger)
}

// buildGeocoder falls back to a fixed-city dev geocoder when no API key is
// configured, so location validation works in development against the
// first configured service area.
func buildGeocoder(cfg *config.Config, logger *logging.Logger) geocode.Geocoder {
	if cfg.GeocoderAPIKey == "" {
		city := "Laredo"
		if len(cfg.ServiceAreas) > 0 {
			city = cfg.ServiceAreas[0]
		}
		logger.Warn("no GEOCODER_API_KEY configured, using dev geocoder", "city", city)
		return geocode.NewDevGeocoder(city)
	}
	g, err := geocode.NewGoogleGeocoder(cfg.GeocoderAPIKey, logger)
	if err != nil {
		logger.Error("failed to build google geocoder, falling back to dev geocoder", "error", err)
		return geocode.NewDevGeocoder("Laredo")
	}
	return g
}

// buildLocker falls back to a nil locker when Redis is unavailable. The
// Quote Dispatcher's assignment protocol then runs unserialized, which is
// acceptable only outside production.
func buildLocker(redisClient *redis.Client) lock.Locker {
	if redisClient == nil {
		return nil
	}
	return lock.NewRedisLocker(redisClient)
}

func buildObjectStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) *objectstore.Store {
	if cfg.S3Bucket == "" {
		logger.Warn("no BUCKET configured, photo upload disabled")
		return nil
	}
	loaders := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWSRegion)}
	if cfg.AWSAccessKey != "" && cfg.AWSSecretKey != "" {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKey, cfg.AWSSecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		logger.Error("failed to load AWS config, photo upload disabled", "error", err)
		return nil
	}
	client := s3.NewFromConfig(awsCfg)
	presigner := s3.NewPresignClient(client)
	return objectstore.NewStore(client, presigner, cfg.S3Bucket, cfg.S3PhotoPrefix, logger.Logger)
}

// onPaymentEvent applies a verified, deduplicated Stripe-style webhook
// event to the job it belongs to (spec.md §5). A job not found for the
// event's intent ID is logged and dropped rather than treated as an error:
// it may belong to a session that never completed into a job.
func onPaymentEvent(s *store.Store, auditLog *audit.Log, logger *logging.Logger) func(ctx context.Context, evt payment.Event) error {
	return func(ctx context.Context, evt payment.Event) error {
		job, err := s.GetJobByPaymentIntentID(ctx, evt.IntentID)
		if errors.Is(err, apperr.ErrNotFound) {
			logger.Warn("payment webhook event for unknown intent", "intent_id", evt.IntentID, "event_type", evt.Type)
			return nil
		}
		if err != nil {
			return err
		}

		switch evt.Type {
		case payment.EventPaymentSucceeded:
			job.PaymentStatus = "succeeded"
		case payment.EventPaymentFailed:
			job.PaymentStatus = "failed"
		case payment.EventRefundCreated:
			job.PaymentStatus = "refunded"
		default:
			return fmt.Errorf("onPaymentEvent: unhandled event type %q", evt.Type)
		}
		if err := s.UpdateJob(ctx, job); err != nil {
			return err
		}
		return auditLog.Record(ctx, "job", job.ID, "payment_webhook_"+string(evt.Type), store.ActorSystem, nil,
			map[string]any{"event_id": evt.ID, "intent_id": evt.IntentID})
	}
}
