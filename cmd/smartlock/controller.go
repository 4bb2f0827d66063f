package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dbehnke/smartlock/internal/api"
	"github.com/dbehnke/smartlock/internal/cardsync"
	"github.com/dbehnke/smartlock/internal/channel"
	"github.com/dbehnke/smartlock/internal/config"
	"github.com/dbehnke/smartlock/internal/database"
	"github.com/dbehnke/smartlock/internal/display"
	"github.com/dbehnke/smartlock/internal/face"
	"github.com/dbehnke/smartlock/internal/fingerprint"
	"github.com/dbehnke/smartlock/internal/keypad"
	"github.com/dbehnke/smartlock/internal/lock"
	"github.com/dbehnke/smartlock/internal/metrics"
	"github.com/dbehnke/smartlock/internal/nfc"
	"github.com/dbehnke/smartlock/internal/protocol"
	"github.com/dbehnke/smartlock/internal/radiolink"
	"github.com/dbehnke/smartlock/internal/reassembly"
	"github.com/dbehnke/smartlock/internal/serialport"
)

const STATUS_INTERVAL = 30 * time.Second

// peripheral is one UART with its reassembler and channel.
type peripheral struct {
	port *serialport.Port
	rx   *reassembly.Reassembler
	ch   *channel.Channel
}

// Controller owns every lock component and the goroutines that run them.
type Controller struct {
	config *config.Config
	logger zerolog.Logger

	db       *database.DB
	actuator *lock.Actuator
	keys     *keypad.Keypad
	cards    *nfc.Reader
	finger   *fingerprint.Sensor
	face     *face.Unit
	radio    *radiolink.Radio
	screen   *display.Queue
	engine   *display.Engine
	panel    *display.MemoryPanel
	server   *api.Server

	retention *database.Retention
	syncer    *cardsync.Syncer

	peripherals []*peripheral

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewController opens storage and serial ports and builds every component.
// A peripheral with an empty port is left out.
func NewController(cfg *config.Config, logger zerolog.Logger) (*Controller, error) {
	metrics.RegisterMetrics()

	db, err := database.NewDB(database.Config{
		Path:            cfg.GetDatabasePath(),
		DefaultPasscode: cfg.GetDatabaseDefaultPasscode(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		config: cfg,
		logger: logger.With().Str("component", "controller").Logger(),
		db:     db,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := c.build(logger); err != nil {
		c.closePeripherals()
		db.Close()
		cancel()
		return nil, err
	}
	return c, nil
}

func (c *Controller) build(logger zerolog.Logger) error {
	cfg := c.config
	gdb := c.db.GetDB()

	passcodes := database.NewPasscodeRepository(gdb)
	cardRepo := database.NewCardRepository(gdb)
	events := database.NewAccessEventRepository(gdb)

	c.actuator = lock.NewActuator(lock.Config{
		AutoClose: cfg.GetLockAutoClose(),
		QueueSize: cfg.GetLockQueueSize(),
	}, lock.NewLogServo(logger), events, logger)

	c.cards = nfc.NewReader(cardRepo, c.actuator, cfg.GetNFCRepeatWindow(), logger)
	c.retention = database.NewRetention(events, cfg.GetDatabaseRetention(), cfg.GetDatabasePruneInterval(), logger)
	if src := cfg.GetDatabaseCardRoster(); src != "" {
		c.syncer = cardsync.NewSyncer(cardRepo, cardsync.Config{
			Source:       src,
			SyncInterval: cfg.GetDatabaseRosterInterval(),
		}, logger)
	}

	if port := cfg.GetFingerprintPort(); port != "" {
		p, err := c.openPeripheral(fingerprint.Peripheral, port, cfg.GetFingerprintBaud(), cfg.GetFingerprintInactivity(), channel.Config{
			Validator: protocol.FingerprintFrame,
		}, logger)
		if err != nil {
			return err
		}
		c.finger = fingerprint.NewSensor(fingerprint.Config{
			RequestTimeout: cfg.GetFingerprintRequestTimeout(),
			StepTimeout:    cfg.GetFingerprintStepTimeout(),
			OverallTimeout: cfg.GetFingerprintOverallTimeout(),
			RestDelay:      cfg.GetFingerprintRestDelay(),
			Captures:       byte(cfg.GetFingerprintCaptures()),
			ScoreLevel:     byte(cfg.GetFingerprintScoreLevel()),
		}, p.ch, c.actuator, database.NewFingerprintRepository(gdb), logger)
	}

	if port := cfg.GetFacePort(); port != "" {
		p, err := c.openPeripheral(face.Peripheral, port, cfg.GetFaceBaud(), cfg.GetFaceInactivity(), channel.Config{
			Validator: protocol.FaceFrame,
		}, logger)
		if err != nil {
			return err
		}
		fcfg := face.DefaultConfig()
		fcfg.VerifyTimeout = cfg.GetFaceVerifyTimeout()
		fcfg.EnrollTimeout = cfg.GetFaceEnrollTimeout()
		fcfg.RestDelay = cfg.GetFaceRestDelay()
		c.face = face.NewUnit(fcfg, p.ch, c.actuator, database.NewFaceUserRepository(gdb), logger)
	}

	if port := cfg.GetRadioPort(); port != "" {
		p, err := c.openPeripheral(radiolink.Source, port, cfg.GetRadioBaud(), cfg.GetRadioInactivity(), radiolink.ChannelConfig(radiolink.Source), logger)
		if err != nil {
			return err
		}
		c.radio = radiolink.NewRadio(radiolink.Config{
			CommandTimeout: cfg.GetRadioCommandTimeout(),
			Name:           cfg.GetRadioName(),
			Advertise:      cfg.GetRadioAdvertise(),
		}, p.ch, passcodes, c.actuator, logger)
	}

	// Cancel on the keypad falls back to face verification when a unit is fitted.
	var onCancel func() bool
	if c.face != nil {
		onCancel = c.face.Verify
	}
	c.keys = keypad.NewKeypad(keypad.Config{
		InputIdle: cfg.GetKeypadInputIdle(),
		SetIdle:   cfg.GetKeypadSetIdle(),
	}, passcodes, c.actuator, onCancel, logger)

	c.panel = display.NewMemoryPanel(cfg.GetDisplayWidth(), cfg.GetDisplayHeight())
	c.engine = display.NewEngine(c.panel, cfg.GetDisplayStallTimeout(), logger)
	c.panel.Attach(c.engine.OnChunkComplete)
	c.screen = display.NewQueue(c.engine, logger)

	if cfg.GetAPIEnabled() {
		deps := api.Deps{
			Door:   c.actuator,
			Cards:  c.cards,
			Keys:   c.keys,
			Events: events,
			Health: c.db.Health,
		}
		if c.finger != nil {
			deps.Finger = c.finger
			deps.Enroller = c.finger
			deps.Workflows = append(deps.Workflows, c.finger)
		}
		if c.face != nil {
			deps.Face = c.face
			deps.Workflows = append(deps.Workflows, c.face)
		}
		if c.radio != nil {
			deps.Radio = c.radio
		}
		for _, p := range c.peripherals {
			deps.Links = append(deps.Links, p.ch)
		}
		c.server = api.NewServer(cfg.GetAPIListen(), cfg.GetAPICORSOrigins(), deps, logger)
	}
	return nil
}

// openPeripheral opens a UART and builds the reassembler and channel on it.
// base carries the validators; name, reassembler and link are filled here.
func (c *Controller) openPeripheral(name, path string, baud int, inactivity time.Duration, base channel.Config, logger zerolog.Logger) (*peripheral, error) {
	port, err := serialport.Open(serialport.Config{Name: name, Path: path, Baud: baud}, logger)
	if err != nil {
		return nil, err
	}
	rx := reassembly.New(reassembly.Config{Name: name, Inactivity: inactivity})

	base.Name = name
	base.Reassembler = rx
	base.Link = port
	ch, err := channel.New(base, logger)
	if err != nil {
		rx.Stop()
		port.Close()
		return nil, fmt.Errorf("failed to create %s channel: %w", name, err)
	}

	p := &peripheral{port: port, rx: rx, ch: ch}
	c.peripherals = append(c.peripherals, p)
	return p, nil
}

func (c *Controller) closePeripherals() {
	for _, p := range c.peripherals {
		p.ch.Stop()
		if err := p.port.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("failed to close serial port")
		}
		p.rx.Stop()
	}
}

// goRun starts fn on the wait group and logs how it ended.
func (c *Controller) goRun(name string, fn func(ctx context.Context) error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := fn(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error().Err(err).Str("task", name).Msg("task stopped")
		}
	}()
}

// Run starts every component and blocks until a shutdown signal.
func (c *Controller) Run() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("controller already running")
	}
	c.running = true
	c.mu.Unlock()

	for _, p := range c.peripherals {
		if err := p.ch.Start(c.ctx); err != nil {
			return err
		}
		c.goRun("uart "+p.ch.Name(), func(ctx context.Context) error {
			return p.port.Run(ctx, p.rx)
		})
	}

	c.goRun("lock", c.actuator.Run)
	c.goRun("keypad", c.keys.Run)
	c.goRun("nfc", c.cards.Run)
	c.goRun("display", c.screen.Run)
	if c.finger != nil {
		c.goRun("fingerprint", c.finger.Run)
	}
	if c.face != nil {
		c.goRun("face", c.face.Run)
	}
	if c.radio != nil {
		c.goRun("radio", c.radio.Run)
	}
	if c.server != nil {
		c.goRun("api", c.server.Run)
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.retention.Start(c.ctx)
	}()
	go c.statusReporter()
	if c.syncer != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.syncer.Start(c.ctx)
		}()
	}

	c.showSplash()
	c.logger.Info().Int("peripherals", len(c.peripherals)).Msg("all components started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		c.logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-c.ctx.Done():
		c.logger.Info().Msg("context cancelled")
	}

	c.Stop()
	return nil
}

// showSplash queues the splash image, or a plain fill when none is set or
// it cannot be loaded.
func (c *Controller) showSplash() {
	full := display.Region{Width: c.config.GetDisplayWidth(), Height: c.config.GetDisplayHeight()}
	job := display.Fill("background", full, display.BLACK)
	if path := c.config.GetDisplaySplash(); path != "" {
		pic, err := display.LoadPNG("splash", path, 0, 0)
		if err != nil {
			c.logger.Warn().Err(err).Str("path", path).Msg("splash not loaded")
		} else {
			job = pic
		}
	}
	if _, err := c.screen.TryEnqueue(job); err != nil {
		c.logger.Warn().Err(err).Msg("splash not queued")
	}
}

// statusReporter logs a periodic summary
func (c *Controller) statusReporter() {
	defer c.wg.Done()

	ticker := time.NewTicker(STATUS_INTERVAL)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			door := c.actuator.GetStatus()
			ev := c.logger.Info().Bool("unlocked", door.Unlocked).Int("display_queue", c.screen.Depth())
			for _, p := range c.peripherals {
				ev = ev.Str(p.ch.Name(), p.ch.Mode().String())
			}
			ev.Msg("status")
		}
	}
}

// Stop cancels every task, waits for them and releases the hardware.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	c.logger.Info().Msg("shutting down")

	c.cancel()
	// Closing the ports unblocks pending reads.
	c.closePeripherals()
	c.wg.Wait()

	if err := c.db.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to close database")
	}
	c.logger.Info().Msg("stopped")
}
