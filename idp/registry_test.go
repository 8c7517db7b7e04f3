package idp_test

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casbridge/cache"
	"casbridge/idp"
	"casbridge/idp/idptest"
)

type recordedCall struct {
	call string
	err  error
}

type fakeRecorder struct {
	mu       sync.Mutex
	upstream []recordedCall
	hits     map[string]int
	misses   map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{hits: map[string]int{}, misses: map[string]int{}}
}

func (f *fakeRecorder) ObserveUpstream(call string, _ time.Time, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upstream = append(f.upstream, recordedCall{call: call, err: err})
}

func (f *fakeRecorder) ObserveCache(name string, hit bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if hit {
		f.hits[name]++
	} else {
		f.misses[name]++
	}
}

func newRegistry(t *testing.T, fake *idptest.Server, store cache.Store, rec idp.Recorder) *idp.Registry {
	t.Helper()
	return idp.NewRegistry(idp.RegistryConfig{
		Endpoints:    fake.Endpoints(),
		ClientID:     idptest.ManagementClientID,
		ClientSecret: idptest.ManagementClientSecret,
		HTTPClient:   fake.Client(),
		Timeout:      2 * time.Second,
		Cache:        store,
		Recorder:     rec,
	})
}

func TestRegistryResolvesCASServices(t *testing.T) {
	fake := idptest.New(t)
	fake.AddCASService("https://example.com/app1/", "app1_client_id", "app1_client_secret")
	fake.AddCASService("http://legacy.example.org:80/cas", "legacy_id", "legacy_secret")
	fake.AddApp(idptest.App{ClientID: "spa", ClientSecret: "s", AppType: "spa", CASService: "https://spa.example.com/"})
	fake.AddApp(idptest.App{ClientID: "untagged", ClientSecret: "s", AppType: "regular_web"})

	rec := newFakeRecorder()
	registry := newRegistry(t, fake, cache.NewMemory(), rec)
	ctx := context.Background()

	reg, err := registry.Resolve(ctx, "https://example.com/app1/some/page?x=1")
	require.NoError(t, err)
	assert.Equal(t, idp.ServiceRegistration{
		ServiceDomain: "example.com",
		ClientID:      "app1_client_id",
		ClientSecret:  "app1_client_secret",
	}, reg)

	reg, err = registry.Resolve(ctx, "https://legacy.example.org:443/other")
	require.NoError(t, err)
	assert.Equal(t, "legacy_id", reg.ClientID)

	_, err = registry.Resolve(ctx, "https://spa.example.com/")
	require.ErrorIs(t, err, idp.ErrServiceNotFound)

	// one fetch serves every lookup
	assert.Equal(t, 1, fake.Requests(idptest.PathClients))
	assert.Equal(t, 1, fake.Requests(idptest.PathToken))
	assert.Equal(t, 1, rec.misses[idp.CacheServices])
	assert.Equal(t, 2, rec.hits[idp.CacheServices])

	form := fake.LastTokenForm("client_credentials")
	require.NotNil(t, form)
	assert.Equal(t, fake.Endpoints().ManagementAudience, form.Get("audience"))
	assert.Equal(t, idptest.ManagementClientID, form.Get("client_id"))
}

func TestRegistryUnknownServiceStillFetches(t *testing.T) {
	fake := idptest.New(t)
	fake.AddCASService("https://example.com/app1/", "app1_client_id", "app1_client_secret")
	registry := newRegistry(t, fake, cache.NewMemory(), nil)

	_, err := registry.Resolve(context.Background(), "foo")
	require.ErrorIs(t, err, idp.ErrServiceNotFound)
	assert.Equal(t, 1, fake.Requests(idptest.PathClients))
}

func TestRegistryUsesSharedCache(t *testing.T) {
	fake := idptest.New(t)
	fake.AddCASService("https://example.com/app1/", "app1_client_id", "app1_client_secret")
	store := cache.NewMemory()

	_, err := newRegistry(t, fake, store, nil).Resolve(context.Background(), "https://example.com/")
	require.NoError(t, err)

	// a second registry over the same store never calls the IDP
	reg, err := newRegistry(t, fake, store, nil).Resolve(context.Background(), "https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, "app1_client_id", reg.ClientID)
	assert.Equal(t, 1, fake.Requests(idptest.PathClients))

	cached, err := cache.GetJSON[map[string]idp.ServiceRegistration](context.Background(), store, idp.ServicesCacheKey)
	require.NoError(t, err)
	assert.Contains(t, cached, "example.com")
}

func TestRegistryFetchErrors(t *testing.T) {
	t.Run("management credentials rejected", func(t *testing.T) {
		fake := idptest.New(t)
		registry := idp.NewRegistry(idp.RegistryConfig{
			Endpoints:    fake.Endpoints(),
			ClientID:     "wrong",
			ClientSecret: "wrong",
			HTTPClient:   fake.Client(),
		})
		_, err := registry.Resolve(context.Background(), "https://example.com/")
		var fetchErr *idp.FetchError
		require.ErrorAs(t, err, &fetchErr)
		assert.Equal(t, http.StatusUnauthorized, fetchErr.Status)
		assert.Contains(t, fetchErr.Body, "access_denied")
		assert.Zero(t, fake.Requests(idptest.PathClients))
	})

	t.Run("clients listing fails", func(t *testing.T) {
		fake := idptest.New(t)
		fake.FailClients(http.StatusTooManyRequests)
		rec := newFakeRecorder()
		_, err := newRegistry(t, fake, cache.NewMemory(), rec).Resolve(context.Background(), "https://example.com/")
		var fetchErr *idp.FetchError
		require.ErrorAs(t, err, &fetchErr)
		assert.Equal(t, http.StatusTooManyRequests, fetchErr.Status)

		require.Len(t, rec.upstream, 2)
		assert.NoError(t, rec.upstream[0].err)
		assert.Error(t, rec.upstream[1].err)
		assert.Equal(t, idp.CallListClients, rec.upstream[1].call)
	})

	t.Run("transport failure", func(t *testing.T) {
		fake := idptest.New(t)
		fake.FailTransport(idptest.PathClients)
		_, err := newRegistry(t, fake, cache.NewMemory(), nil).Resolve(context.Background(), "https://example.com/")
		var fetchErr *idp.FetchError
		require.ErrorAs(t, err, &fetchErr)
		assert.Error(t, fetchErr.Err)
		assert.Zero(t, fetchErr.Status)
	})

	t.Run("failures are not cached", func(t *testing.T) {
		fake := idptest.New(t)
		fake.FailClients(http.StatusInternalServerError)
		store := cache.NewMemory()
		_, err := newRegistry(t, fake, store, nil).Resolve(context.Background(), "https://example.com/")
		require.Error(t, err)
		assert.Zero(t, store.Len())
	})
}

func TestRegistryTimeout(t *testing.T) {
	for _, path := range []string{idptest.PathToken, idptest.PathClients} {
		t.Run(path, func(t *testing.T) {
			fake := idptest.New(t)
			fake.AddCASService("https://example.com/app1/", "app1_client_id", "app1_client_secret")
			fake.Delay(path, 2*time.Second)
			store := cache.NewMemory()

			registry := idp.NewRegistry(idp.RegistryConfig{
				Endpoints:    fake.Endpoints(),
				ClientID:     idptest.ManagementClientID,
				ClientSecret: idptest.ManagementClientSecret,
				HTTPClient:   fake.Client(),
				Timeout:      50 * time.Millisecond,
				Cache:        store,
			})
			started := time.Now()
			_, err := registry.Resolve(context.Background(), "https://example.com/app1/")
			require.ErrorIs(t, err, context.DeadlineExceeded)
			assert.Less(t, time.Since(started), time.Second)

			var fetchErr *idp.FetchError
			require.ErrorAs(t, err, &fetchErr)
			assert.Zero(t, fetchErr.Status)
			assert.Zero(t, store.Len())
		})
	}
}

func TestRegistryLoad(t *testing.T) {
	fake := idptest.New(t)
	registry := newRegistry(t, fake, cache.NewMemory(), nil)

	_, err := registry.Load(context.Background())
	require.ErrorIs(t, err, idp.ErrRegistryEmpty)

	fake.AddCASService("https://example.com/app1/", "app1_client_id", "app1_client_secret")
	services, err := registry.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, services, 1)

	_, err = registry.Resolve(context.Background(), "https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, 2, fake.Requests(idptest.PathClients))
}

func TestRegistryConcurrentResolve(t *testing.T) {
	fake := idptest.New(t)
	fake.AddCASService("https://example.com/app1/", "app1_client_id", "app1_client_secret")
	registry := newRegistry(t, fake, cache.NewMemory(), nil)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := registry.Resolve(context.Background(), "https://example.com/app1/")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, fake.Requests(idptest.PathClients), 1)
}

func TestNormalizeServiceDomain(t *testing.T) {
	cases := map[string]string{
		"https://example.com/app1/":      "example.com",
		"http://example.com/":            "example.com",
		"https://example.com:8443/x":     "example.com:8443",
		"http://example.com:80/cas":      "example.com:443",
		"https://Example.COM/":           "Example.COM",
		"https://example.com:8080/":      "example.com:8080",
		"  https://example.com/padded  ": "example.com",
		"foo":                            "",
		"":                               "",
		"/relative/path":                 "",
		"http://[::1]:80/":               "[::1]:443",
	}
	for in, want := range cases {
		assert.Equal(t, want, idp.NormalizeServiceDomain(in), "input %q", in)
	}
}
