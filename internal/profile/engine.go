// Package profile owns the device's copy of the entitlement profile. Every
// profile returned by the authority flows through Engine.Apply, which
// persists it and hands a snapshot to subscribers.
package profile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"paykit/internal/metrics"
	"paykit/internal/models"
	"paykit/internal/remote"
	"paykit/internal/retry"
	"paykit/pkg/logging"
)

var (
	// ErrNotActivated is returned by every operation called before Activate.
	ErrNotActivated = errors.New("paykit: not activated")
	// ErrProfileTemporary is returned when no profile has been established yet.
	ErrProfileTemporary = errors.New("paykit: profile not created yet")
)

// State is the local profile's relation to the authority.
type State string

const (
	// StateTemporary: no profile yet, one must be created.
	StateTemporary State = "temporary"
	// StateUnsynced: a cached profile exists but was not confirmed in this session.
	StateUnsynced State = "unsynced"
	// StateSynced: the cached profile is authoritative.
	StateSynced State = "synced"
)

const (
	keyProfile  = "profile"
	keyState    = "profile_state"
	keyDeviceID = "device_id"
)

// Authority is the subset of the remote client the engine calls.
type Authority interface {
	CreateProfile(ctx context.Context, req remote.CreateProfileRequest) (*models.Profile, error)
	GetProfile(ctx context.Context, profileID string) (*models.Profile, error)
	UpdateProfile(ctx context.Context, profileID string, params models.ProfileParams) (*models.Profile, error)
	RestorePurchases(ctx context.Context, req remote.RestoreRequest) (*models.Profile, error)
}

// Storage is the durable key/value store behind the cache.
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, v any) error
}

// InstallationProvider describes the host installation.
type InstallationProvider interface {
	Installation(ctx context.Context) (models.InstallationMeta, error)
}

// InstallationFunc adapts a function to InstallationProvider.
type InstallationFunc func(ctx context.Context) (models.InstallationMeta, error)

func (f InstallationFunc) Installation(ctx context.Context) (models.InstallationMeta, error) {
	return f(ctx)
}

// CountrySource reports the billing store country.
type CountrySource interface {
	StoreCountry(ctx context.Context) (string, error)
}

// Engine is the single writer of the local profile.
type Engine struct {
	authority    Authority
	storage      Storage
	installation InstallationProvider
	country      CountrySource
	runner       *retry.Runner
	metrics      *metrics.Metrics
	logger       logging.Logger
	customerID   string

	// fetch serializes create/get so two callers never create two profiles.
	fetch sync.Mutex

	mu        sync.RWMutex
	activated bool
	state     State
	profile   *models.Profile
	deviceID  string

	subMu  sync.Mutex
	subs   map[int]chan *models.Profile
	nextID int

	syncMu sync.Mutex
	deps   *SyncDeps
}

type Option func(*Engine)

func WithInstallation(p InstallationProvider) Option {
	return func(e *Engine) { e.installation = p }
}

func WithCountrySource(c CountrySource) Option {
	return func(e *Engine) { e.country = c }
}

func WithRunner(r *retry.Runner) Option {
	return func(e *Engine) { e.runner = r }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(l logging.Logger) Option {
	return func(e *Engine) { e.logger = logging.OrNop(l) }
}

// WithCustomerUserID ties newly created profiles to the host's user id.
func WithCustomerUserID(id string) Option {
	return func(e *Engine) { e.customerID = id }
}

func NewEngine(authority Authority, storage Storage, opts ...Option) *Engine {
	e := &Engine{
		authority: authority,
		storage:   storage,
		logger:    logging.NewComponentLogger("profile"),
		state:     StateTemporary,
		subs:      make(map[int]chan *models.Profile),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Activate loads the cached profile and makes sure a device id exists. A
// profile cached by an earlier session starts out unsynced.
func (e *Engine) Activate(ctx context.Context) error {
	deviceID, ok, err := e.storage.Get(ctx, keyDeviceID)
	if err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	if !ok || deviceID == "" {
		deviceID = uuid.NewString()
		if err := e.storage.Set(ctx, keyDeviceID, deviceID); err != nil {
			return fmt.Errorf("activate: %w", err)
		}
	}

	state := StateTemporary
	var cached *models.Profile
	stored, ok, err := e.storage.Get(ctx, keyState)
	if err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	if ok && State(stored) != StateTemporary {
		var p models.Profile
		found, err := e.storage.GetJSON(ctx, keyProfile, &p)
		switch {
		case err != nil:
			e.logger.Warn("cached profile unreadable, starting over: %v", err)
		case !found:
			e.logger.Warn("profile state %q without a cached profile, starting over", stored)
		case p.Validate() != nil:
			e.logger.Warn("cached profile invalid, starting over")
		default:
			cached = &p
			state = StateUnsynced
		}
	}

	e.mu.Lock()
	e.activated = true
	e.deviceID = deviceID
	e.state = state
	e.profile = cached
	e.mu.Unlock()

	e.logger.Info("activated: device=%s state=%s", deviceID, state)
	return nil
}

func (e *Engine) checkActivated() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.activated {
		return ErrNotActivated
	}
	return nil
}

// State returns the current local state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// DeviceID returns the persisted installation id.
func (e *Engine) DeviceID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.deviceID
}

// Current returns a snapshot of the cached profile.
func (e *Engine) Current() (*models.Profile, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.activated {
		return nil, ErrNotActivated
	}
	if e.profile == nil {
		return nil, ErrProfileTemporary
	}
	return e.profile.Clone(), nil
}

// GetOrCreateProfile returns the profile, talking to the authority only
// when the cache is not authoritative yet.
func (e *Engine) GetOrCreateProfile(ctx context.Context) (*models.Profile, error) {
	if err := e.checkActivated(); err != nil {
		return nil, err
	}

	e.fetch.Lock()
	defer e.fetch.Unlock()

	e.mu.RLock()
	state, cached := e.state, e.profile
	e.mu.RUnlock()

	switch state {
	case StateSynced:
		return cached.Clone(), nil
	case StateUnsynced:
		profile, err := retry.Do(ctx, e.runner, retry.Profile, func(ctx context.Context) (*models.Profile, error) {
			return e.authority.GetProfile(ctx, cached.ProfileID)
		})
		if err != nil {
			return nil, fmt.Errorf("get profile: %w", err)
		}
		return e.Apply(ctx, profile)
	default:
		req := remote.CreateProfileRequest{
			CustomerUserID: e.customerID,
			Installation:   e.collectInstallation(ctx),
		}
		profile, err := retry.Do(ctx, e.runner, retry.Profile, func(ctx context.Context) (*models.Profile, error) {
			return e.authority.CreateProfile(ctx, req)
		})
		if err != nil {
			return nil, fmt.Errorf("create profile: %w", err)
		}
		return e.Apply(ctx, profile)
	}
}

func (e *Engine) collectInstallation(ctx context.Context) models.InstallationMeta {
	var meta models.InstallationMeta
	if e.installation != nil {
		m, err := e.installation.Installation(ctx)
		if err != nil {
			e.logger.Warn("installation metadata unavailable: %v", err)
		} else {
			meta = m
		}
	}
	meta.DeviceID = e.DeviceID()
	if meta.StoreCountry == "" && e.country != nil {
		country, err := e.country.StoreCountry(ctx)
		if err != nil {
			e.logger.Debug("store country unavailable: %v", err)
		} else {
			meta.StoreCountry = country
		}
	}
	return meta
}

// UpdateProfile sends params to the authority, creating the profile first
// when needed.
func (e *Engine) UpdateProfile(ctx context.Context, params models.ProfileParams) (*models.Profile, error) {
	current, err := e.GetOrCreateProfile(ctx)
	if err != nil {
		return nil, err
	}
	profile, err := retry.Do(ctx, e.runner, retry.Profile, func(ctx context.Context) (*models.Profile, error) {
		return e.authority.UpdateProfile(ctx, current.ProfileID, params)
	})
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return e.Apply(ctx, profile)
}

// Apply makes profile the cached one, marks the cache synced and notifies
// subscribers. A profile older than the cached one of the same id is
// ignored and the cached one is returned instead.
func (e *Engine) Apply(ctx context.Context, profile *models.Profile) (*models.Profile, error) {
	if err := e.checkActivated(); err != nil {
		return nil, err
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	incoming := profile.Clone()

	e.mu.Lock()
	if cur := e.profile; cur != nil && cur.ProfileID == incoming.ProfileID &&
		incoming.Timestamp != 0 && incoming.Timestamp < cur.Timestamp {
		e.state = StateSynced
		snapshot := cur.Clone()
		e.mu.Unlock()
		e.logger.Debug("ignoring stale profile %s (ts %d < %d)", incoming.ProfileID, incoming.Timestamp, cur.Timestamp)
		return snapshot, nil
	}
	e.profile = incoming
	e.state = StateSynced
	e.mu.Unlock()

	if err := e.persist(ctx, incoming); err != nil {
		// The durable cache is behind; the next GetOrCreateProfile fetches
		// and persists again.
		e.logger.Error("profile %s kept unsynced: %v", incoming.ProfileID, err)
		e.mu.Lock()
		if e.profile == incoming {
			e.state = StateUnsynced
		}
		e.mu.Unlock()
	}

	e.broadcast(incoming)
	return incoming.Clone(), nil
}

func (e *Engine) persist(ctx context.Context, profile *models.Profile) error {
	if err := e.storage.SetJSON(ctx, keyProfile, profile); err != nil {
		return fmt.Errorf("persist profile: %w", err)
	}
	if err := e.storage.Set(ctx, keyState, string(StateSynced)); err != nil {
		return fmt.Errorf("persist profile state: %w", err)
	}
	return nil
}

// Logout forgets the profile. The next GetOrCreateProfile creates a new one.
func (e *Engine) Logout(ctx context.Context) error {
	if err := e.checkActivated(); err != nil {
		return err
	}
	e.fetch.Lock()
	defer e.fetch.Unlock()

	if err := e.storage.Delete(ctx, keyProfile); err != nil {
		return err
	}
	if err := e.storage.Set(ctx, keyState, string(StateTemporary)); err != nil {
		return err
	}
	e.mu.Lock()
	e.profile = nil
	e.state = StateTemporary
	e.mu.Unlock()
	return nil
}

// Subscribe returns a channel of profile snapshots. Only the latest snapshot
// is kept for a slow reader. The current profile, if any, is delivered first.
func (e *Engine) Subscribe() (<-chan *models.Profile, func()) {
	ch := make(chan *models.Profile, 1)

	e.subMu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = ch
	e.mu.RLock()
	if e.profile != nil {
		ch <- e.profile.Clone()
	}
	e.mu.RUnlock()
	e.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.subMu.Lock()
			delete(e.subs, id)
			close(ch)
			e.subMu.Unlock()
		})
	}
	return ch, cancel
}

func (e *Engine) broadcast(profile *models.Profile) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		snapshot := profile.Clone()
		select {
		case ch <- snapshot:
			continue
		default:
		}
		// Drop the stale snapshot, keep the newest.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}
}
