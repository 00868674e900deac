package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	config "github.com/wardline/notify/internal/config/notifier"
	"github.com/wardline/notify/internal/domain/notification"
	"github.com/wardline/notify/internal/httpapi"
	"github.com/wardline/notify/internal/obs"
	kafkaRepo "github.com/wardline/notify/internal/repository/kafka"
	pg "github.com/wardline/notify/internal/repository/postgres"
	"github.com/wardline/notify/internal/repository/rabbit"
	"github.com/wardline/notify/internal/services/notifier"
	"github.com/wardline/notify/internal/services/retrysweep"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatal(err)
	}

	l, err := obs.NewLogger(obs.LogConfig{
		Level: cfg.LogLevel,
		App:   "notifier",
		Env:   cfg.OTEL.Env,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = l.Sync() }()
	zap.ReplaceGlobals(l)

	l.Info("starting notifier",
		zap.String("http_addr", cfg.Server.HTTPAddr),
		zap.String("metrics_addr", cfg.Server.MetricsAddr),
		zap.String("exchange", cfg.Rabbit.Exchange),
	)

	otelCloser, err := obs.SetupOTel(ctx, &obs.OTELConfig{
		Enable:      cfg.OTEL.Endpoint != "",
		Endpoint:    cfg.OTEL.Endpoint,
		ServiceName: cfg.OTEL.Service,
		Env:         cfg.OTEL.Env,
		SampleRatio: 1.0,
	})
	if err != nil {
		l.Fatal("otel init", zap.Error(err))
	}
	defer func() { _ = otelCloser.Shutdown(context.Background()) }()

	// db
	db, err := pg.New(ctx, cfg.DB)
	if err != nil {
		l.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	// broker
	conn, err := rabbit.Dial(ctx, cfg.Rabbit, l)
	if err != nil {
		l.Fatal("broker connect", zap.Error(err))
	}
	defer func() { _ = conn.Close() }()

	if err := rabbit.NewTopology(conn, cfg.Rabbit, l).Declare(ctx); err != nil {
		l.Fatal("topology declare", zap.Error(err))
	}

	publisher := rabbit.NewPublisher(conn, cfg.Rabbit, "notifier", l)

	// analytics stream
	var events notifier.EventSink
	if cfg.Kafka.Enabled {
		prod := kafkaRepo.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic).WithLogger(l)
		defer func() { _ = prod.Close() }()
		events = prod
	}

	// repos
	notifRepo := pg.NewNotificationRepo(db)
	logRepo := pg.NewDeliveryLogRepo(db)
	prefRepo := pg.NewPreferenceRepo(db)
	retryRepo := pg.NewRetryRepo(db)
	templates := pg.NewTemplateRepo(db)
	directory := pg.NewDirectoryRepo(db)

	// senders
	senders := notifier.Senders{}
	if cfg.SMTP.Configured() {
		senders.Email = notifier.NewMailer(cfg.SMTP)
	}
	if cfg.SMS.Configured() {
		senders.SMS = notifier.NewSMSGateway(cfg.SMS, l)
	}
	if cfg.Web.Configured() {
		senders.Web = notifier.NewWebGateway(cfg.Web, l)
	}
	senders.Push = notifier.NewPushStub(l)

	clock := notification.SystemClock{}
	deliverer := notifier.NewDeliverer(senders, templates, directory, cfg.Server.DeliveryTimeout, l)
	ledger := retrysweep.NewLedger(cfg.Retry, retryRepo, notifRepo, deliverer, sinkOrNil(events), publisher, pg.NewTransactor(db, l), clock, l)
	svc := notifier.NewService(l, notifRepo, logRepo, prefRepo, deliverer, ledger, publisher, events, clock, "notifier")
	router := notifier.NewRouter(svc, ledger, prefRepo, cfg.Bulk.BatchSize, cfg.Bulk.Pause, l)

	// metrics
	ms := obs.BootstrapMetricsServer(cfg.Server.MetricsAddr, db.Ping, l)

	// http api
	api := httpapi.NewServer(svc, ledger,
		httpapi.PingerFunc(db.Ping),
		httpapi.PingerFunc(func(context.Context) error {
			if !conn.Healthy() {
				return errors.New("broker connection down")
			}
			return nil
		}),
		l,
	)
	httpSrv := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      api.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, len(rabbit.Classes)+2)

	go func() {
		l.Info("http listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// one consumer per queue class
	consumer := rabbit.NewConsumer(conn, cfg.Rabbit, cfg.Consumer.MaxRetries, l)
	for _, class := range rabbit.Classes {
		class := class
		go func() {
			errCh <- consumer.Consume(ctx, class, router.Dispatch)
		}()
	}

	// retry sweep
	go func() {
		errCh <- retrysweep.NewRunner(l, ledger).Run(ctx)
	}()

	l.Info("notifier started")

	select {
	case <-ctx.Done():
	case err = <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			l.Error("component failed", zap.Error(err))
		}
	}

	shCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shCtx)
	_ = ms.Shutdown(shCtx)
	l.Info("bye")
}

// sinkOrNil keeps the ledger's nil check honest: a nil *Producer wrapped in
// the interface would not compare equal to nil.
func sinkOrNil(ev notifier.EventSink) retrysweep.EventSink {
	if ev == nil {
		return nil
	}
	return ev
}
