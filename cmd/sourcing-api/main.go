package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	httpadapter "github.com/PabloGalante/sourcing-agent/internal/adapters/http"
	"github.com/PabloGalante/sourcing-agent/internal/adapters/llm"
	queuemem "github.com/PabloGalante/sourcing-agent/internal/adapters/queue/memory"
	pebblequeue "github.com/PabloGalante/sourcing-agent/internal/adapters/queue/pebble"
	firestorestore "github.com/PabloGalante/sourcing-agent/internal/adapters/storage/firestore"
	memstore "github.com/PabloGalante/sourcing-agent/internal/adapters/storage/memory"
	"github.com/PabloGalante/sourcing-agent/internal/adapters/telephony"
	"github.com/PabloGalante/sourcing-agent/internal/app/conversation"
	"github.com/PabloGalante/sourcing-agent/internal/app/gateway"
	"github.com/PabloGalante/sourcing-agent/internal/app/outreach"
	"github.com/PabloGalante/sourcing-agent/internal/config"
	"github.com/PabloGalante/sourcing-agent/internal/domain"
	"github.com/PabloGalante/sourcing-agent/internal/observability"
)

func main() {
	if err := run(); err != nil {
		observability.Logger().Error("sourcing api stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	observability.SetLevel(cfg.LogLevel)
	log := observability.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	queue, err := newQueue(cfg)
	if err != nil {
		return err
	}
	defer queue.Close()

	reasoner, err := newReasoner(ctx, cfg)
	if err != nil {
		return err
	}

	calls, err := newCallProvider(cfg)
	if err != nil {
		return err
	}

	gw := gateway.New(store, gateway.DefaultConfig())
	dispatcher := outreach.NewDispatcher(store, gw, queue, calls, reasoner, outreach.Config{
		Workers:        cfg.Workers,
		PollInterval:   cfg.PollInterval,
		CallTimeout:    cfg.CallTimeout,
		RetryDelay:     cfg.RetryDelay,
		CallsPerSecond: cfg.CallsPerSecond,
		CallBurst:      cfg.CallBurst,
		StaleAfter:     cfg.StaleAfter,
		SweepSchedule:  cfg.SweepSchedule,
	})
	svc := conversation.NewService(store, gw, reasoner, dispatcher, conversation.Config{TurnTimeout: cfg.TurnTimeout})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpadapter.NewServer(svc),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	if cfg.SweepEnabled {
		g.Go(func() error {
			return dispatcher.RunSweeper(gctx)
		})
	}
	g.Go(func() error {
		log.Info("sourcing api listening", "addr", srv.Addr, "mode", cfg.Mode,
			"store", cfg.StorageBackend, "queue", cfg.QueueBackend,
			"llm", cfg.LLMBackend, "telephony", cfg.TelephonyBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		svc.Wait()
		return err
	})

	return g.Wait()
}

func newStore(ctx context.Context, cfg *config.Config) (domain.TaskStore, func(), error) {
	log := observability.Logger()
	switch cfg.StorageBackend {
	case "firestore":
		log.Info("using firestore storage", "project", cfg.GCPProjectID)
		fs, err := firestorestore.NewStore(ctx, cfg.GCPProjectID)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() { _ = fs.Close() }, nil
	default:
		log.Info("using in-memory storage")
		return memstore.NewStore(), func() {}, nil
	}
}

func newQueue(cfg *config.Config) (domain.OutreachQueue, error) {
	switch cfg.QueueBackend {
	case "pebble":
		observability.Logger().Info("using pebble outreach queue", "path", cfg.QueuePath)
		return pebblequeue.Open(cfg.QueuePath)
	default:
		return queuemem.New(), nil
	}
}

func newReasoner(ctx context.Context, cfg *config.Config) (domain.Reasoner, error) {
	log := observability.Logger()
	switch cfg.LLMBackend {
	case "vertex":
		log.Info("using vertex reasoner", "model", cfg.ModelName)
		c, err := llm.NewVertexClient(ctx, llm.VertexConfig{
			Project:  cfg.GCPProjectID,
			Location: cfg.GCPLocation,
			Model:    cfg.ModelName,
		})
		if err != nil {
			return nil, err
		}
		return llm.NewReasoner(c), nil
	case "openai":
		log.Info("using openai reasoner", "model", cfg.OpenAIModel)
		c, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
		})
		if err != nil {
			return nil, err
		}
		return llm.NewReasoner(c), nil
	default:
		log.Info("using mock reasoner")
		return llm.NewMockReasoner(), nil
	}
}

func newCallProvider(cfg *config.Config) (domain.CallProvider, error) {
	switch cfg.TelephonyBackend {
	case "synthflow":
		return telephony.NewSynthflow(telephony.SynthflowConfig{
			BaseURL: cfg.SynthflowURL,
			APIKey:  cfg.SynthflowAPIKey,
			ModelID: cfg.SynthflowModelID,
		})
	default:
		observability.Logger().Info("using mock telephony")
		return telephony.NewMock(), nil
	}
}
