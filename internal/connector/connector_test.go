package connector

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"wagate/internal/clock"
	"wagate/internal/config"
	"wagate/internal/domain"
)

// --- emitter ---

func TestEmitter_DropsAfterTimeout(t *testing.T) {
	e := newEmitter(testLogger())
	e.timeout = 5 * time.Millisecond
	for i := 0; i < eventBuffer; i++ {
		e.emit(domain.QREvent{Code: "x"})
	}

	done := make(chan struct{})
	go func() {
		e.emit(domain.QREvent{Code: "overflow"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked past its timeout")
	}
	if n := len(e.events()); n != eventBuffer {
		t.Errorf("buffered = %d", n)
	}
}

// --- media ---

func TestMediaBytes_FetchesURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("PNGDATA"))
	}))
	defer srv.Close()

	data, mime, err := mediaBytes(context.Background(), srv.Client(), domain.Media{Kind: domain.KindImage, URL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "PNGDATA" || mime != "image/png" {
		t.Errorf("got %q %q", data, mime)
	}
}

func TestMediaBytes_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, _, err := mediaBytes(context.Background(), srv.Client(), domain.Media{Kind: domain.KindImage, URL: srv.URL})
	if !errors.Is(err, domain.ErrSendFailed) {
		t.Errorf("expected send failed, got %v", err)
	}
}

// --- factory ---

func TestFactory_BuildsEachProvider(t *testing.T) {
	f := NewFactory(FactoryConfig{
		Providers: config.ProvidersConfig{
			Baileys:   config.BaileysConfig{Enabled: true, AuthDir: t.TempDir()},
			Evolution: config.EvolutionConfig{Enabled: true, APIBase: "http://evo", APIKey: "k", InstancePrefix: "p-"},
			WebJS:     config.WebJSConfig{Enabled: true, ProfileDir: t.TempDir(), URL: "https://web.whatsapp.com"},
		},
		Clock:  clock.NewFake(time.Unix(0, 0)),
		Logger: testLogger(),
	})

	for _, p := range domain.Providers() {
		c, err := f.New(domain.Channel{ID: "ch1", Provider: p})
		if err != nil {
			t.Fatalf("%s: %v", p, err)
		}
		if c.Provider() != p {
			t.Errorf("%s: connector reports %s", p, c.Provider())
		}
	}

	c, _ := f.New(domain.Channel{ID: "ch1", Provider: domain.ProviderEvolution, InstanceID: "custom"})
	if got := c.(domain.Instanced).InstanceID(); got != "custom" {
		t.Errorf("stored instance should win, got %q", got)
	}
}

func TestFactory_Errors(t *testing.T) {
	f := NewFactory(FactoryConfig{Logger: testLogger()})
	if _, err := f.New(domain.Channel{ID: "a", Provider: domain.ProviderWebJS}); !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Errorf("disabled provider: %v", err)
	}
	if _, err := f.New(domain.Channel{ID: "a", Provider: "telex"}); !errors.Is(err, domain.ErrUnknownProvider) {
		t.Errorf("unknown provider: %v", err)
	}
}
