// Package app wires the mock together: patient store, handlers, scheduler,
// MLLP listener, journal and admin API.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/minasoft/ipms-mock/internal/config"
	"github.com/minasoft/ipms-mock/internal/db"
	"github.com/minasoft/ipms-mock/internal/fixtures"
	"github.com/minasoft/ipms-mock/internal/handlers"
	"github.com/minasoft/ipms-mock/internal/hl7"
	"github.com/minasoft/ipms-mock/internal/idgen"
	"github.com/minasoft/ipms-mock/internal/journal"
	ipmsnats "github.com/minasoft/ipms-mock/internal/nats"
	"github.com/minasoft/ipms-mock/internal/router"
	"github.com/minasoft/ipms-mock/internal/scheduler"
	"github.com/minasoft/ipms-mock/internal/store"
	"github.com/minasoft/ipms-mock/internal/web"
)

// recorder is both halves of the journal plus its query side.
type recorder interface {
	RecordTransaction(ctx context.Context, tx db.Transaction)
	RecordDelivery(ctx context.Context, d db.Delivery)
	journal.Reader
}

type App struct {
	cfg       *config.Config
	store     *store.Store
	scheduler *scheduler.Scheduler
	router    *router.Router
	mllp      *hl7.MLLPServer
	web       *web.Server
	nats      *ipmsnats.EmbeddedServer
	journal   recorder

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg *config.Config) (*App, error) {
	patients, err := store.Open(cfg.DataFile)
	if err != nil {
		return nil, err
	}

	report, err := fixtures.Load(cfg.FixturesPath)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, store: patients, journal: journal.Nop{}}

	if cfg.JournalEnabled {
		es, err := ipmsnats.NewEmbeddedServer(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("start journal: %w", err)
		}
		a.nats = es
		a.journal = journal.New(es.JetStream())
	}

	identity := hl7.Identity{
		Application: cfg.SendingApplication,
		Facility:    cfg.SendingFacility,
		Version:     cfg.HL7Version,
	}

	client := hl7.NewMLLPClient(cfg.OutboundTimeout, cfg.OutboundAwaitAck)
	a.scheduler = scheduler.New(client, a.journal)

	h := handlers.New(handlers.Config{
		Identity:           identity,
		AssigningAuthority: cfg.AssigningAuthority,
		DestinationHost:    cfg.ClientHost,
		DestinationPort:    cfg.ClientPort,
		Delay:              cfg.ResponseDelay,
		Templates: handlers.Templates{
			MedicalRecord: cfg.MedicalRecordTemplate,
			PublicIndex:   cfg.PublicIndexTemplate,
			Hub:           cfg.HubTemplate,
			Account:       cfg.AccountTemplate,
		},
		ResultReport: report,
	}, patients, idgen.New(), a.scheduler)

	a.router = router.New()
	h.Register(a.router)

	a.mllp = hl7.NewMLLPServer(hl7.ServerConfig{
		Addr:        cfg.ListenAddr(),
		Persistent:  cfg.Persistent,
		IdleTimeout: cfg.IdleTimeout,
		Identity:    identity,
	}, a.router, a.journal)

	if cfg.WebPort > 0 {
		a.web = web.NewServer(web.Options{
			Port:           cfg.WebPort,
			DownstreamHost: cfg.ClientHost,
			DownstreamPort: cfg.ClientPort,
		}, a.journal, patients, client)
	}

	return a, nil
}

// Start begins accepting MLLP connections and, when enabled, serves the admin
// API. It returns once the listener is bound.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.mllp.Start(ctx); err != nil {
		a.cancel()
		a.shutdownJournal()
		return err
	}

	if a.web != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.web.Start(ctx); err != nil {
				slog.Error("Admin API stopped", "error", err)
			}
		}()
	}

	slog.Info("IPMS mock started",
		"listen", a.mllp.Addr(),
		"destination", a.cfg.Destination(),
		"routes", a.router.Routes(),
		"responseDelay", a.cfg.ResponseDelay.String(),
	)
	return nil
}

// Addr is the bound MLLP listener address.
func (a *App) Addr() string {
	return a.mllp.Addr()
}

func (a *App) Store() *store.Store {
	return a.store
}

func (a *App) Journal() journal.Reader {
	return a.journal
}

// Stop closes the listener, lets pending follow-ups run out and shuts the
// journal down.
func (a *App) Stop() error {
	var errs []error
	if err := a.mllp.Stop(); err != nil {
		errs = append(errs, err)
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	slog.Info("Waiting for pending follow-ups")
	a.scheduler.Wait()

	a.shutdownJournal()
	slog.Info("IPMS mock stopped")
	return errors.Join(errs...)
}

func (a *App) shutdownJournal() {
	if a.nats != nil {
		a.nats.Shutdown()
		a.nats = nil
	}
}
