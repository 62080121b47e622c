/*
Package bootstrap wires the settlement engine from configuration.

PURPOSE:
  One place that turns a config.Config into a running engine: ledger store,
  settlement rail, QR provider with its cache, event publisher and policy.
  Both cmd/server and cmd/settlectl build through here.

SELECTION:
  Store:     memory | sqlite | gorm-sqlite | postgres   (STORE_DRIVER)
  Rail:      sandbox | midtrans                          (GATEWAY)
  QR cache:  redis when REDIS_URL is set, else in-process
  Events:    NATS JetStream when NATS_URL is set, else watermill gochannel
  Policy:    defaults, then POLICY_FILE, then env overrides

SEE ALSO:
  - config/config.go
  - cmd/server/main.go
*/
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"

	"github.com/warp/settlement-engine/config"
	"github.com/warp/settlement-engine/events"
	"github.com/warp/settlement-engine/factory"
	"github.com/warp/settlement-engine/gateway"
	"github.com/warp/settlement-engine/gateway/midtrans"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/settlement/store"
	"github.com/warp/settlement-engine/store/gormstore"
	"github.com/warp/settlement-engine/store/sqlite"
)

type Container struct {
	Store     settlement.Store
	Gateway   settlement.Gateway
	QR        settlement.QRProvider
	Publisher settlement.Publisher
	Policy    settlement.Policy
	Engine    *settlement.Engine

	logger  *zap.Logger
	cancel  context.CancelFunc
	closers []func() error
}

// NewContainer builds every dependency. On error, anything already opened
// is closed.
func NewContainer(cfg *config.Config, logger *zap.Logger) (*Container, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Container{logger: logger, cancel: cancel}
	if err := c.build(ctx, cfg); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Container) build(ctx context.Context, cfg *config.Config) error {
	var err error

	// 1. Policy
	if c.Policy, err = resolvePolicy(cfg.Policy); err != nil {
		return err
	}

	// 2. Ledger
	if c.Store, err = c.openStore(cfg.Store); err != nil {
		return err
	}

	// 3. Settlement rail
	if c.Gateway, err = c.openGateway(cfg.Gateway); err != nil {
		return err
	}

	// 4. QR provider
	c.QR = c.openQR(ctx, cfg.Gateway)

	// 5. Event bus
	c.Publisher = c.openPublisher(ctx, cfg.Events)

	c.Engine = settlement.NewEngine(c.Store, c.Gateway,
		settlement.WithPolicy(c.Policy),
		settlement.WithPublisher(c.Publisher),
		settlement.WithQRProvider(c.QR),
		settlement.WithLogger(c.logger.Named("engine")),
	)
	return nil
}

// Close releases resources in reverse order of opening.
func (c *Container) Close() error {
	c.cancel()
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Container) onClose(fn func() error) { c.closers = append(c.closers, fn) }

// =============================================================================
// POLICY
// =============================================================================

func resolvePolicy(pc config.PolicyConfig) (settlement.Policy, error) {
	p := settlement.DefaultPolicy()
	if pc.File != "" {
		loaded, err := factory.NewPolicyFactory().LoadFile(pc.File)
		if err != nil {
			return p, fmt.Errorf("load policy file: %w", err)
		}
		p = loaded
	}
	pc.Apply(&p)
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("invalid policy: %w", err)
	}
	return p, nil
}

// =============================================================================
// STORE
// =============================================================================

func (c *Container) openStore(sc config.StoreConfig) (settlement.Store, error) {
	switch sc.Driver {
	case "memory":
		return store.NewMemory(), nil

	case "sqlite":
		if err := ensureDir(sc.SQLitePath); err != nil {
			return nil, err
		}
		st, err := sqlite.New(sc.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		c.onClose(st.Close)
		return st, nil

	case "gorm-sqlite":
		if err := ensureDir(sc.SQLitePath); err != nil {
			return nil, err
		}
		st, err := gormstore.Open(gormsqlite.Open(sc.SQLitePath + "?_foreign_keys=on&_busy_timeout=5000"))
		if err != nil {
			return nil, fmt.Errorf("open gorm sqlite store: %w", err)
		}
		c.onClose(st.Close)
		return st, nil

	case "postgres":
		if sc.Connection == "" {
			return nil, errors.New("DB_CONNECTION_STRING is required for the postgres store")
		}
		st, err := gormstore.OpenPostgres(sc.Connection)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		c.onClose(st.Close)
		return st, nil
	}
	return nil, fmt.Errorf("unknown STORE_DRIVER %q", sc.Driver)
}

func ensureDir(dbPath string) error {
	if dbPath == "" || dbPath == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	return nil
}

// =============================================================================
// GATEWAY & QR
// =============================================================================

func (c *Container) openGateway(gc config.GatewayConfig) (settlement.Gateway, error) {
	switch gc.Driver {
	case "sandbox", "":
		c.logger.Info("using sandbox settlement rail")
		return gateway.NewSandbox(c.logger.Named("sandbox")), nil
	case "midtrans":
		journal, ok := c.Store.(settlement.TransferJournal)
		if !ok {
			return nil, fmt.Errorf("store %T cannot journal midtrans payouts", c.Store)
		}
		rail, err := midtrans.New(midtrans.Config{
			ServerKey:   gc.MidtransServerKey,
			IrisKey:     gc.MidtransIrisKey,
			Production:  gc.MidtransProduction,
			NotifyEmail: gc.NotifyEmail,
		}, journal, c.logger.Named("midtrans"))
		if err != nil {
			return nil, fmt.Errorf("init midtrans rail: %w", err)
		}
		c.logger.Info("using midtrans settlement rail", zap.Bool("production", gc.MidtransProduction))
		return rail, nil
	}
	return nil, fmt.Errorf("unknown GATEWAY %q", gc.Driver)
}

func (c *Container) openQR(ctx context.Context, gc config.GatewayConfig) settlement.QRProvider {
	var cache gateway.Cache = gateway.NewMemoryCache(gc.QRCacheTTL, 2*gc.QRCacheTTL)
	if gc.RedisURL != "" {
		rc, err := gateway.NewRedisCache(gc.RedisURL, "settlement:")
		if err == nil {
			err = rc.Ping(ctx)
			if err != nil {
				rc.Close()
			}
		}
		if err != nil {
			c.logger.Warn("redis unavailable, using in-process QR cache", zap.Error(err))
		} else {
			c.onClose(rc.Close)
			cache = rc
		}
	}
	return gateway.NewTemplateQR(gc.QRTemplateURL, cache, gc.QRCacheTTL, c.logger.Named("qr"))
}

// =============================================================================
// EVENTS
// =============================================================================

func (c *Container) openPublisher(ctx context.Context, ec config.EventsConfig) settlement.Publisher {
	if ec.NATSURL != "" {
		pub, err := events.NewNATSPublisher(ec.NATSURL, c.logger.Named("nats"))
		if err == nil {
			c.onClose(func() error { pub.Close(); return nil })
			return pub
		}
		c.logger.Warn("NATS unavailable, keeping events in-process", zap.Error(err))
	}

	pub := events.NewChannelPublisher(watermill.NewStdLogger(false, false))
	c.onClose(pub.Close)
	msgs, err := pub.Subscribe(ctx)
	if err != nil {
		c.logger.Warn("event log subscriber not started", zap.Error(err))
		return pub
	}
	go logEvents(msgs, c.logger.Named("events"))
	return pub
}

// logEvents writes every in-process event to the log until the channel
// closes.
func logEvents(msgs <-chan *message.Message, logger *zap.Logger) {
	for msg := range msgs {
		e, err := events.Decode(msg.Payload)
		if err != nil {
			logger.Warn("undecodable event", zap.String("uuid", msg.UUID), zap.Error(err))
		} else {
			logger.Info("settlement event",
				zap.String("type", string(e.Type)),
				zap.String("booking_id", string(e.BookingID)),
				zap.String("actor_id", string(e.ActorID)))
		}
		msg.Ack()
	}
}
