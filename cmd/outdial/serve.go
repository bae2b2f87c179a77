package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"outdial/internal/ami"
	"outdial/internal/api"
	"outdial/internal/auth"
	"outdial/internal/calls"
	"outdial/internal/callstate"
	"outdial/internal/config"
	"outdial/internal/database"
	"outdial/internal/engine"
	"outdial/internal/lead"
	"outdial/internal/listener"
	"outdial/internal/logging"
	"outdial/internal/metrics"
	"outdial/internal/notify"
	"outdial/internal/publisher"
	"outdial/internal/reaper"
	"outdial/internal/session"
	"outdial/internal/tenant"
	"outdial/internal/throttle"
	"outdial/internal/websocket"
)

// storage agrupa los almacenes elegidos según database.driver.
type storage struct {
	calls   interface {
		calls.Store
		reaper.StaleFailer
	}
	tenants tenant.Directory
	leads   lead.Updater
	ping    func(ctx context.Context) error
	closers []io.Closer
}

func openStorage(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*storage, error) {
	if cfg.Database.Driver == config.DriverMemory {
		return &storage{
			calls:   calls.NewMemoryStore(),
			tenants: tenant.NewStaticDirectory(cfg.Tenants),
			leads:   lead.NewMemoryUpdater(),
		}, nil
	}

	conn, err := database.NewConnection(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Migrate(ctx, logger); err != nil {
		conn.Close()
		return nil, err
	}

	st := &storage{
		calls:   database.NewCallRepository(conn),
		leads:   database.NewLeadRepository(conn),
		ping:    conn.DB.PingContext,
		closers: []io.Closer{conn},
	}
	// Los tenants del archivo tienen prioridad; sin ellos se leen de la base.
	if len(cfg.Tenants) > 0 {
		st.tenants = tenant.NewStaticDirectory(cfg.Tenants)
	} else {
		st.tenants = database.NewTenantRepository(conn)
	}
	return st, nil
}

func (s *storage) Close() {
	for _, c := range s.closers {
		c.Close()
	}
}

// serve arranca todos los componentes y bloquea hasta que ctx termina.
func serve(ctx context.Context, cfg *config.Config) error {
	started := time.Now()
	logger := logging.New(cfg.Log)
	log := logging.Component(logger, "Main")
	log.WithField("version", version).Info("starting outdial")

	authn, err := auth.NewAuthenticator(cfg.Auth)
	if err != nil {
		return err
	}

	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	log.WithField("driver", cfg.Database.Driver).Info("✓ storage ready")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	counters := metrics.NewCounters(reg)

	hub := websocket.NewHub(logger)
	go hub.Run(ctx)
	notifiers := notify.Multi{notify.NewHub(hub)}

	if cfg.MQTT.Broker != "" {
		pub, err := publisher.NewMQTTPublisher(cfg.MQTT, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		broker := notify.NewBroker(pub, cfg.MQTT.TopicPrefix, notify.DefaultQueueSize, logger)
		defer broker.Close()
		go broker.Run(ctx)
		notifiers = append(notifiers, broker)
		log.WithField("broker", cfg.MQTT.Broker).Info("✓ MQTT notifications enabled")
	}

	th, err := newThrottle(ctx, cfg, logger)
	if err != nil {
		return err
	}

	sessions := session.NewTable()
	registry := session.NewRegistry()
	deps := engine.Deps{
		Store:    st.calls,
		Tenants:  st.tenants,
		Leads:    st.leads,
		Sessions: sessions,
		Registry: registry,
		Notifier: notifiers,
		Counters: counters,
		Thresholds: callstate.Thresholds{
			FastHangup:    cfg.Engine.FastHangupThreshold.Std(),
			LeadCompleted: cfg.Engine.LeadCompletedThreshold.Std(),
		},
		Logger: logger,
	}

	dialOpts := ami.DialOptions{
		ConnectTimeout: cfg.AMI.ConnectTimeout.Std(),
		CommandTimeout: cfg.AMI.CommandTimeout.Std(),
	}
	listeners := listener.NewManager(engine.NewCorrelator(deps), registry, listener.Options{
		Dial:              dialOpts,
		ReconnectInterval: cfg.AMI.ReconnectInterval.Std(),
	}, logger)
	defer listeners.Close()

	reg.MustRegister(metrics.NewCollector(sessions, registry, listeners, started))

	eng := engine.New(deps, ami.NewOriginator(dialOpts, logger), listeners, th, engine.Options{
		ChannelTemplate:  cfg.AMI.ChannelTemplate,
		DefaultExtension: cfg.AMI.DefaultExtension,
		DefaultPriority:  cfg.AMI.DefaultPriority,
		RingTimeout:      cfg.AMI.RingTimeout.Std(),
		AssignChannelID:  cfg.AMI.AssignChannelID,
	})
	if err := eng.Bootstrap(ctx); err != nil {
		// Una central caída no impide arrancar; los listeners reintentan.
		log.WithError(err).Warn("bootstrap incomplete")
	}
	log.WithField("contexts", registry.Len()).Info("✓ listeners started")

	rp := reaper.New(st.calls, cfg.Engine.ReaperInterval.Std(), cfg.Engine.StaleAfter.Std(), logger,
		reaper.WithCounters(counters))
	rp.Start()
	defer rp.Stop()

	srv := api.NewServer(api.Deps{
		Calls:      eng,
		Auth:       authn,
		Listeners:  listeners,
		Hub:        hub,
		Ping:       st.ping,
		Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		EnableCORS: cfg.API.EnableCORS,
		Logger:     logger,
	})

	if err := srv.Run(ctx, cfg.API.Address()); err != nil {
		return fmt.Errorf("api server: %w", err)
	}
	log.Info("shutting down")
	return nil
}

// newThrottle arma el limitador con cupos locales o compartidos en Redis.
func newThrottle(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*throttle.Throttle, error) {
	var slots throttle.Slots = throttle.NewLocalPool(0, logger)
	if cfg.Throttle.UseRedis {
		rdb, err := throttle.OpenRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		context.AfterFunc(ctx, func() { rdb.Close() })
		slots = throttle.NewRedisCap(rdb, "", cfg.Throttle.InFlightTTL.Std())
	}
	return throttle.New(cfg.Throttle, slots, logger), nil
}
