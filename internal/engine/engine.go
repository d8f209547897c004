// Package engine implements the License Engine: the top-level state
// machine that coordinates the Controller Driver, the Web Service
// Adapter, and the two background tasks (license loop, health loop) that
// keep a floating session licensed and metered (spec.md §4.1).
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Accelize/drm-sub000/internal/controller"
	"github.com/Accelize/drm-sub000/internal/drmconfig"
	"github.com/Accelize/drm-sub000/internal/drmerrors"
	"github.com/Accelize/drm-sub000/internal/drmlog"
	"github.com/Accelize/drm-sub000/internal/freqcal"
	"github.com/Accelize/drm-sub000/internal/nodelock"
	"github.com/Accelize/drm-sub000/internal/params"
	"github.com/Accelize/drm-sub000/internal/regaccess"
	"github.com/Accelize/drm-sub000/internal/wsadapter"
)

// Mode is the license mode a Session operates under.
type Mode int

const (
	ModeNone Mode = iota
	ModeFloating
	ModeNodeLocked
)

func (m Mode) String() string {
	switch m {
	case ModeFloating:
		return "floating"
	case ModeNodeLocked:
		return "node-locked"
	default:
		return "none"
	}
}

// Session is the engine's live session state (spec.md §3 Data Model).
type Session struct {
	ID             string
	EntitlementID  string
	Mode           Mode
	LicenseCounter uint64
	HealthCounter  uint64
}

// Config is everything an Engine needs at construction time.
type Config struct {
	Driver controller.Driver
	Port   regaccess.Port // for freqcal's direct register probing and the AsyncError callback
	WS     *wsadapter.Client
	Log    *drmlog.Logger

	Settings  drmconfig.Settings
	DRM       drmconfig.DRM
	Licensing drmconfig.Licensing

	NodeLockDir string // defaults to Licensing.LicenseDir
}

// Engine is the License Engine. Construct with New, activate/deactivate
// sessions with Activate/Deactivate, and always defer Close — Go has no
// destructors, so Close is the substitute for spec.md §7's "destructor
// attempts a graceful session close only if the security-stop flag is set".
type Engine struct {
	driver controller.Driver
	port   regaccess.Port
	ws     *wsadapter.Client
	log    *drmlog.Logger
	cfg    Config

	// meteringMu serializes metering extraction and posting so a health
	// PATCH cannot interleave with a renewal between extract and post
	// (spec.md §5).
	meteringMu sync.Mutex

	// healthMu guards health-period/retry-timeout/retry-sleep: the
	// renewal path writes them, the health loop reads them (spec.md §5).
	healthMu           sync.Mutex
	healthPeriod       time.Duration
	healthRetryTimeout time.Duration
	healthRetrySleep   time.Duration

	// stateMu guards everything else the parameter surface reads: session,
	// identity, frequency profile, expiration bookkeeping.
	stateMu      sync.Mutex
	session      Session
	identity     controller.Identity
	identityRead bool
	freq         freqcal.Profile
	expiration   time.Time
	licenseDur   time.Duration
	customField  uint32

	securityStop bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	registry *params.Registry
}

// New builds an Engine from cfg. It does not touch the controller; the
// first Activate call reads the identity lazily.
func New(cfg Config) (*Engine, error) {
	if cfg.Driver == nil {
		return nil, drmerrors.New(drmerrors.KindBadArg, "engine.new", "driver is required")
	}
	if cfg.WS == nil {
		return nil, drmerrors.New(drmerrors.KindBadArg, "engine.new", "web service adapter is required")
	}
	e := &Engine{
		driver: cfg.Driver,
		port:   cfg.Port,
		ws:     cfg.WS,
		log:    cfg.Log,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
	e.healthPeriod = 0
	e.healthRetryTimeout = time.Duration(cfg.Settings.WSAPIRetryDurationSec) * time.Second
	e.healthRetrySleep = time.Duration(cfg.Settings.WSRetryPeriodShortSec) * time.Second
	e.registry = e.buildRegistry()
	return e, nil
}

func (e *Engine) logger() *zerolog.Logger {
	if e.log != nil {
		return e.log.Component("engine")
	}
	return nil
}

// ensureIdentity reads and caches the device identity, checking HDK
// compatibility (done inside ExtractIdentity itself).
func (e *Engine) ensureIdentity(ctx context.Context) error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.identityRead {
		return nil
	}
	id, err := e.driver.ExtractIdentity(ctx)
	if err != nil {
		return err
	}
	e.identity = id
	e.identityRead = true
	return nil
}

// Activate brings the controller into a licensed state, per spec.md
// §4.1's activate() steps.
func (e *Engine) Activate(ctx context.Context) error {
	if err := e.ensureIdentity(ctx); err != nil {
		return err
	}

	e.stateMu.Lock()
	alreadyFloating := e.session.Mode == ModeFloating && e.session.ID != ""
	e.stateMu.Unlock()
	if alreadyFloating {
		_ = e.stopSession(ctx) // best-effort graceful close, failure ignored
	}

	if e.cfg.Licensing.NodeLocked {
		running, err := e.driver.ReadStatus(ctx, controller.StatusNodeLocked)
		if err != nil {
			return err
		}
		if !running {
			if err := e.activateNodeLocked(ctx); err != nil {
				return err
			}
		}
		e.stateMu.Lock()
		e.session.Mode = ModeNodeLocked
		e.stateMu.Unlock()
		return nil
	}

	e.resetStop()

	profile, err := freqcal.Calibrate(ctx, e.port, freqcal.Config{
		DeclaredMHz:      e.cfg.DRM.FrequencyMHz,
		ThresholdPercent: e.cfg.Settings.FrequencyDetectionThreshold,
		DetectionPeriod:  time.Duration(e.cfg.Settings.FrequencyDetectionPeriodMS) * time.Millisecond,
		BypassDetection:  e.cfg.DRM.BypassFrequencyDetection,
		NodeLocked:       false,
		Software:         e.cfg.DRM.Software || e.driver.IsSoftware(),
		TimerCounter:     e.driver.SampleTimerCounter,
	})
	e.stateMu.Lock()
	e.freq = profile
	e.stateMu.Unlock()
	if err != nil {
		return err
	}

	if err := e.startSession(ctx); err != nil {
		return err
	}

	e.wg.Add(1)
	go e.runLoop("license-loop", e.licenseLoopBody)

	e.stateMu.Lock()
	e.securityStop = true
	e.stateMu.Unlock()
	return nil
}

func (e *Engine) activateNodeLocked(ctx context.Context) error {
	dir := e.cfg.NodeLockDir
	if dir == "" {
		dir = e.cfg.Licensing.LicenseDir
	}
	lic, err := nodelock.Activate(ctx, nodelock.Params{
		Driver:    e.driver,
		WS:        e.ws,
		Dir:       dir,
		ProductID: e.identity.ProductID,
		DNA:       e.identity.DNA,
		APIRetryBudget: time.Duration(e.cfg.Settings.WSAPIRetryDurationSec) * time.Second,
		RetrySleep:     time.Duration(e.cfg.Settings.WSRetryPeriodShortSec) * time.Second,
	})
	if err != nil {
		return err
	}
	e.stateMu.Lock()
	e.session.EntitlementID = lic.EntitlementID
	e.stateMu.Unlock()
	return nil
}

// Deactivate closes a running floating session; a no-op in node-locked
// mode or when no session is running (spec.md §4.1).
func (e *Engine) Deactivate(ctx context.Context) error {
	e.stateMu.Lock()
	mode := e.session.Mode
	sessionID := e.session.ID
	e.stateMu.Unlock()
	if mode != ModeFloating || sessionID == "" {
		return nil
	}
	return e.stopSession(ctx)
}

// Close releases engine resources. If the security-stop flag is set (an
// activation succeeded and was never cleanly deactivated), it attempts a
// best-effort graceful close first, swallowing any error (spec.md §7).
func (e *Engine) Close() error {
	e.stateMu.Lock()
	stop := e.securityStop
	e.stateMu.Unlock()
	if stop {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = e.stopSession(ctx)
		cancel()
	}
	e.resetStop()
	return nil
}

func (e *Engine) resetStop() {
	e.stopOnce = sync.Once{}
	e.stopCh = make(chan struct{})
}

func (e *Engine) signalStop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Get implements the parameter surface's bulk read (spec.md §4.6).
func (e *Engine) Get(keys []params.Key) (map[params.Key]any, error) {
	return e.registry.Get(keys)
}

// Set implements the parameter surface's bulk write (spec.md §4.6).
func (e *Engine) Set(values map[params.Key]any) error {
	return e.registry.Set(values)
}

// Registry exposes the underlying params.Registry, e.g. for a host-facing
// JSON get/set endpoint.
func (e *Engine) Registry() *params.Registry { return e.registry }

func asFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}
