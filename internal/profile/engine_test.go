package profile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paykit/internal/billing"
	"paykit/internal/database"
	"paykit/internal/models"
	"paykit/internal/remote"
	"paykit/internal/retry"
)

type fakeAuthority struct {
	mu        sync.Mutex
	failures  []error
	creates   int
	gets      int
	updates   []models.ProfileParams
	restores  []remote.RestoreRequest
	installed []models.InstallationMeta
	profile   models.Profile
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{profile: models.Profile{ProfileID: "p-1", Timestamp: 1}}
}

func (a *fakeAuthority) fail(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = append(a.failures, errs...)
}

func (a *fakeAuthority) next() error {
	if len(a.failures) == 0 {
		return nil
	}
	err := a.failures[0]
	a.failures = a.failures[1:]
	return err
}

func (a *fakeAuthority) snapshot() *models.Profile {
	a.profile.Timestamp++
	p := a.profile.Clone()
	return p
}

func (a *fakeAuthority) CreateProfile(_ context.Context, req remote.CreateProfileRequest) (*models.Profile, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.creates++
	if err := a.next(); err != nil {
		return nil, err
	}
	a.installed = append(a.installed, req.Installation)
	return a.snapshot(), nil
}

func (a *fakeAuthority) GetProfile(_ context.Context, profileID string) (*models.Profile, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gets++
	if err := a.next(); err != nil {
		return nil, err
	}
	return a.snapshot(), nil
}

func (a *fakeAuthority) UpdateProfile(_ context.Context, _ string, params models.ProfileParams) (*models.Profile, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.next(); err != nil {
		return nil, err
	}
	a.updates = append(a.updates, params)
	if params.CustomAttributes != nil {
		a.profile.CustomAttributes = params.CustomAttributes
	}
	return a.snapshot(), nil
}

func (a *fakeAuthority) RestorePurchases(_ context.Context, req remote.RestoreRequest) (*models.Profile, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.next(); err != nil {
		return nil, err
	}
	a.restores = append(a.restores, req)
	if a.profile.NonSubscriptions == nil {
		a.profile.NonSubscriptions = map[string][]models.NonSubscription{}
	}
	for _, snap := range req.Purchases {
		a.profile.NonSubscriptions[snap.ProductID] = append(a.profile.NonSubscriptions[snap.ProductID], models.NonSubscription{
			PurchaseID:      snap.PurchaseToken,
			VendorProductID: snap.ProductID,
		})
	}
	return a.snapshot(), nil
}

func newStorage(t *testing.T) *database.Preferences {
	t.Helper()
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db, database.ClientModels()...))
	t.Cleanup(func() { database.Close(db, nil) })
	return database.NewPreferences(db)
}

func newEngine(t *testing.T, authority Authority, storage Storage, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithRunner(&retry.Runner{Immediate: true})}, opts...)
	e := NewEngine(authority, storage, opts...)
	require.NoError(t, e.Activate(context.Background()))
	return e
}

func offline() error {
	return billing.NewError("http", billing.CodeNetworkError, "no route to host")
}

func TestCallsBeforeActivateFail(t *testing.T) {
	e := NewEngine(newFakeAuthority(), newStorage(t))
	ctx := context.Background()

	_, err := e.GetOrCreateProfile(ctx)
	assert.ErrorIs(t, err, ErrNotActivated)
	_, err = e.SyncPurchases(ctx)
	assert.ErrorIs(t, err, ErrNotActivated)
	_, err = e.Current()
	assert.ErrorIs(t, err, ErrNotActivated)
}

func TestActivateKeepsDeviceID(t *testing.T) {
	storage := newStorage(t)
	first := newEngine(t, newFakeAuthority(), storage)
	require.NotEmpty(t, first.DeviceID())

	second := newEngine(t, newFakeAuthority(), storage)
	assert.Equal(t, first.DeviceID(), second.DeviceID())
}

func TestCreateFailureLeavesProfileTemporary(t *testing.T) {
	authority := newFakeAuthority()
	authority.fail(offline(), offline(), offline())
	e := newEngine(t, authority, newStorage(t))
	ctx := context.Background()

	_, err := e.GetOrCreateProfile(ctx)
	require.Error(t, err)
	assert.True(t, billing.HasCode(err, billing.CodeNetworkError))
	assert.Equal(t, StateTemporary, e.State())
	assert.Equal(t, 3, authority.creates)
	_, err = e.Current()
	assert.ErrorIs(t, err, ErrProfileTemporary)

	profile, err := e.GetOrCreateProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "p-1", profile.ProfileID)
	assert.Equal(t, StateSynced, e.State())
}

func TestSyncedProfileIsServedFromCache(t *testing.T) {
	authority := newFakeAuthority()
	countries := countryFunc(func(context.Context) (string, error) { return "DE", nil })
	e := newEngine(t, authority, newStorage(t),
		WithCountrySource(countries),
		WithInstallation(InstallationFunc(func(context.Context) (models.InstallationMeta, error) {
			return models.InstallationMeta{Platform: "android", AppVersion: "1.2.3"}, nil
		})))
	ctx := context.Background()

	_, err := e.GetOrCreateProfile(ctx)
	require.NoError(t, err)
	_, err = e.GetOrCreateProfile(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, authority.creates)
	assert.Equal(t, 0, authority.gets)
	require.Len(t, authority.installed, 1)
	assert.Equal(t, e.DeviceID(), authority.installed[0].DeviceID)
	assert.Equal(t, "DE", authority.installed[0].StoreCountry)
	assert.Equal(t, "android", authority.installed[0].Platform)
}

type countryFunc func(context.Context) (string, error)

func (f countryFunc) StoreCountry(ctx context.Context) (string, error) { return f(ctx) }

func TestCachedProfileIsRefreshedOncePerSession(t *testing.T) {
	storage := newStorage(t)
	authority := newFakeAuthority()
	first := newEngine(t, authority, storage)
	_, err := first.GetOrCreateProfile(context.Background())
	require.NoError(t, err)

	restarted := newEngine(t, authority, storage)
	assert.Equal(t, StateUnsynced, restarted.State())
	cached, err := restarted.Current()
	require.NoError(t, err)
	assert.Equal(t, "p-1", cached.ProfileID)

	authority.fail(offline(), offline(), offline())
	_, err = restarted.GetOrCreateProfile(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateUnsynced, restarted.State())

	_, err = restarted.GetOrCreateProfile(context.Background())
	require.NoError(t, err)
	_, err = restarted.GetOrCreateProfile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, authority.creates)
	assert.Equal(t, 4, authority.gets)
	assert.Equal(t, StateSynced, restarted.State())
}

func TestUpdateProfile(t *testing.T) {
	authority := newFakeAuthority()
	e := newEngine(t, authority, newStorage(t))
	email := "a@example.com"

	profile, err := e.UpdateProfile(context.Background(), models.ProfileParams{
		Email:            &email,
		CustomAttributes: []models.CustomAttribute{{Key: "tier", Value: "gold"}},
	})
	require.NoError(t, err)
	require.Len(t, authority.updates, 1)
	assert.Equal(t, "a@example.com", *authority.updates[0].Email)
	require.Len(t, profile.CustomAttributes, 1)
	assert.Equal(t, "tier", profile.CustomAttributes[0].Key)
}

func TestApplyValidatesAndIgnoresStaleProfiles(t *testing.T) {
	e := newEngine(t, newFakeAuthority(), newStorage(t))
	ctx := context.Background()

	_, err := e.Apply(ctx, &models.Profile{})
	assert.ErrorIs(t, err, models.ErrInvalidProfile)
	assert.Equal(t, StateTemporary, e.State())

	_, err = e.Apply(ctx, &models.Profile{ProfileID: "p-1", Timestamp: 10, Segment: "new"})
	require.NoError(t, err)
	got, err := e.Apply(ctx, &models.Profile{ProfileID: "p-1", Timestamp: 5, Segment: "old"})
	require.NoError(t, err)
	assert.Equal(t, "new", got.Segment)
}

func TestSubscribersSeeLatestSnapshot(t *testing.T) {
	e := newEngine(t, newFakeAuthority(), newStorage(t))
	ctx := context.Background()

	updates, cancel := e.Subscribe()
	for i := 1; i <= 3; i++ {
		_, err := e.Apply(ctx, &models.Profile{ProfileID: "p-1", Timestamp: int64(i)})
		require.NoError(t, err)
	}

	select {
	case p := <-updates:
		assert.Equal(t, int64(3), p.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("no profile delivered")
	}

	// Snapshots are private copies.
	p, err := e.Current()
	require.NoError(t, err)
	p.AccessLevels["premium"] = models.AccessLevel{IsActive: true}
	again, err := e.Current()
	require.NoError(t, err)
	assert.False(t, again.HasActiveAccess("premium"))

	cancel()
	_, open := <-updates
	assert.False(t, open)
	cancel()
}

func TestSubscribeDeliversCurrentProfile(t *testing.T) {
	e := newEngine(t, newFakeAuthority(), newStorage(t))
	_, err := e.GetOrCreateProfile(context.Background())
	require.NoError(t, err)

	updates, cancel := e.Subscribe()
	defer cancel()
	p := <-updates
	assert.Equal(t, "p-1", p.ProfileID)
}

func TestLogoutStartsOver(t *testing.T) {
	authority := newFakeAuthority()
	storage := newStorage(t)
	e := newEngine(t, authority, storage)
	ctx := context.Background()

	_, err := e.GetOrCreateProfile(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Logout(ctx))
	assert.Equal(t, StateTemporary, e.State())

	restarted := newEngine(t, authority, storage)
	assert.Equal(t, StateTemporary, restarted.State())

	_, err = e.GetOrCreateProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, authority.creates)
}

func TestFetchErrorsAreWrapped(t *testing.T) {
	authority := newFakeAuthority()
	authority.fail(retry.Permanent(errors.New("HTTP 401")))
	e := newEngine(t, authority, newStorage(t))

	_, err := e.GetOrCreateProfile(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create profile")
	assert.Equal(t, 1, authority.creates)
}

// brokenWrites fails SetJSON while broken is set.
type brokenWrites struct {
	*database.Preferences
	broken bool
}

func (s *brokenWrites) SetJSON(ctx context.Context, key string, v any) error {
	if s.broken {
		return errors.New("disk full")
	}
	return s.Preferences.SetJSON(ctx, key, v)
}

func TestUnpersistedProfileStaysUnsynced(t *testing.T) {
	authority := newFakeAuthority()
	storage := &brokenWrites{Preferences: newStorage(t), broken: true}
	e := newEngine(t, authority, storage)
	ctx := context.Background()

	created, err := e.GetOrCreateProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "p-1", created.ProfileID)
	assert.Equal(t, StateUnsynced, e.State())

	storage.broken = false
	_, err = e.GetOrCreateProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, authority.gets)
	assert.Equal(t, StateSynced, e.State())

	var stored models.Profile
	found, err := storage.GetJSON(ctx, keyProfile, &stored)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "p-1", stored.ProfileID)
}
