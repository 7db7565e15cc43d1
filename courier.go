// Package courier is the reliability and trust layer beneath an
// end-to-end-encrypted messaging client. It ensures sessions exist
// before fan-out, keeps a durable send log for resend-on-failure,
// tracks identity key trust, and gates the incoming pipeline while
// sensitive operations are in flight.
package courier

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/nestwire/go-courier/clock"
	"github.com/nestwire/go-courier/config"
	"github.com/nestwire/go-courier/identity"
	"github.com/nestwire/go-courier/ids"
	"github.com/nestwire/go-courier/internal/db"
	"github.com/nestwire/go-courier/pipeline"
	"github.com/nestwire/go-courier/sendlog"
	"github.com/nestwire/go-courier/sessions"
	"go.uber.org/zap"
)

const (
	// Constants for application state.
	StateNew = iota
	StateInitialized
	StateRunning
)

// PipelineStateUpdate reports a suspend/resume transition of the
// incoming-message pipeline.
type PipelineStateUpdate struct {
	Suspended bool
}

// Courier owns the four subsystems and their shared database. Domain
// events from the identity layer and pipeline transitions surface on
// the Updates channel.
type Courier struct {
	DB *db.Database

	config   *config.Config
	log      *zap.SugaredLogger
	state    int
	clock    clock.Clock
	fetcher  sessions.KeyFetcher
	appReady func() bool
	remote   sendlog.RemoteConfig
	sendLog  *sendlog.Manager
	identity *identity.Manager
	sessions *sessions.Manager
	pipeline *pipeline.Supervisor
	updates  chan interface{}
}

// NewCourier creates a courier instance rooted at the configured
// directory. fetcher is the key-exchange boundary used for session
// establishment; remote may be nil to use static configuration;
// appReady may be nil.
func NewCourier(c *config.Config, fetcher sessions.KeyFetcher, remote sendlog.RemoteConfig, appReady func() bool) (*Courier, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making courier, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	cl := clock.NewSystemClock()
	database, err := db.NewDatabase(c, cl, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if database.Initialized() {
		state = StateInitialized
	}
	if remote == nil {
		remote = sendlog.StaticRemoteConfig(c)
	}

	courier := &Courier{
		DB:       database,
		config:   c,
		log:      log,
		state:    state,
		clock:    cl,
		fetcher:  fetcher,
		appReady: appReady,
		remote:   remote,
		updates:  make(chan interface{}, 100),
	}
	courier.pipeline = pipeline.NewSupervisor(c, appReady)
	return courier, nil
}

// Makes a key from a password
func (c *Courier) NewKey(password string) ([]byte, error) {
	return newKey(password, c.config.RootDir, "salt")
}

// Gets various updates which must be dealt with. This will produce
// identity.IdentityChangedEvent, identity.VerificationStateChangedEvent
// or *PipelineStateUpdate.
func (c *Courier) Updates() chan interface{} {
	return c.updates
}

// Returns true if courier is in NEW state.
func (c *Courier) New() bool {
	return c.state == StateNew
}

// Returns true if courier is in INITIALIZED state.
func (c *Courier) Initialized() bool {
	return c.state == StateInitialized
}

// Returns true if courier is in RUNNING state.
func (c *Courier) Running() bool {
	return c.state == StateRunning
}

// Initialize courier with a given key.
func (c *Courier) Initialize(key []byte) error {
	if c.state != StateNew {
		return errors.New("cannot initialize unless in state new")
	}
	if err := c.DB.Initialize(key); err != nil {
		return err
	}
	c.state = StateInitialized
	return c.open(key)
}

// Open an existing courier with a given key.
func (c *Courier) Open(key []byte) error {
	return c.open(key)
}

func (c *Courier) open(key []byte) error {
	if c.state != StateInitialized {
		return errors.New("cannot open unless in state initialized")
	}

	if err := c.DB.Open(key); err != nil {
		return err
	}

	if err := c.DB.Lock("initializing subsystems", func() error {
		identityManager, err := identity.NewManager(c.config, c.DB, c.clock, func(e interface{}) {
			c.updates <- e
		})
		if err != nil {
			return err
		}
		c.identity = identityManager
		sendLog, err := sendlog.NewManager(c.config, c.DB, c.clock, c.remote)
		if err != nil {
			return err
		}
		c.sendLog = sendLog
		sessionManager, err := sessions.NewManager(c.config, c.DB, c.clock, c.fetcher, nil, identityManager)
		if err != nil {
			return err
		}
		c.sessions = sessionManager
		return nil
	}); err != nil {
		return err
	}

	if err := c.sendLog.Start(); err != nil {
		return err
	}
	c.pipeline.Register(&updateListener{c})

	c.state = StateRunning
	return nil
}

// Gracefully stop a running courier instance.
func (c *Courier) Shutdown() error {
	if c.state != StateRunning {
		return nil
	}
	// try to clean up memory after a shutdown
	defer runtime.GC()

	errs := make([]string, 0)
	if err := c.sendLog.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) != 0 {
		return fmt.Errorf("error during shutdown: %s", strings.Join(errs, ", "))
	}

	c.sendLog = nil
	c.identity = nil
	c.sessions = nil

	c.state = StateInitialized

	close(c.updates)
	c.updates = make(chan interface{}, 100)

	return nil
}

// SendLog exposes the message send log manager.
func (c *Courier) SendLog() *sendlog.Manager {
	return c.sendLog
}

// Identity exposes the identity trust manager.
func (c *Courier) Identity() *identity.Manager {
	return c.identity
}

// Sessions exposes the session manager.
func (c *Courier) Sessions() *sessions.Manager {
	return c.sessions
}

// Pipeline exposes the suspension supervisor. Available before Open.
func (c *Courier) Pipeline() *pipeline.Supervisor {
	return c.pipeline
}

// EnsureSessions establishes sessions for the target devices.
func (c *Courier) EnsureSessions(ctx context.Context, targets []sessions.Target, ignoreFailures bool) ([]sessions.Result, error) {
	return c.sessions.EnsureSessions(ctx, targets, ignoreFailures)
}

// SuspendPipeline pauses incoming-message processing until the
// returned handle is released.
func (c *Courier) SuspendPipeline(reason pipeline.Reason) *pipeline.Handle {
	return c.pipeline.Suspend(reason)
}

// IsProcessingPermitted reports whether incoming messages may be
// processed right now.
func (c *Courier) IsProcessingPermitted() bool {
	return c.pipeline.IsProcessingPermitted()
}

// MergeRecipient consolidates two recipient records after learning
// they are the same party: identity rows merge with the target
// winning, send log threads move over, and any sessions for the old
// recipient are dropped so they are re-established under the new one.
func (c *Courier) MergeRecipient(from, into ids.ID) error {
	if err := c.identity.MergeRecipient(from, into); err != nil {
		return err
	}
	c.sendLog.MergeThread(from, into)
	return c.sessions.DeleteSessions(from)
}

type updateListener struct {
	courier *Courier
}

func (ul *updateListener) PipelineSuspended() {
	ul.courier.updates <- &PipelineStateUpdate{Suspended: true}
}

func (ul *updateListener) PipelineResumed() {
	ul.courier.updates <- &PipelineStateUpdate{Suspended: false}
}
