package connector

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.mau.fi/whatsmeow/store"
	"google.golang.org/protobuf/proto"

	"wagate/internal/clock"
	"wagate/internal/config"
	"wagate/internal/domain"
)

// Factory builds the connector for a channel's provider.
type Factory struct {
	cfg    config.ProvidersConfig
	clk    clock.Clock
	http   *http.Client
	logger *slog.Logger
}

type FactoryConfig struct {
	Providers config.ProvidersConfig
	Clock     clock.Clock
	// HTTPClient is shared by REST calls and media downloads.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func NewFactory(cfg FactoryConfig) *Factory {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.HTTPClient == nil {
		timeout := time.Duration(cfg.Providers.Evolution.TimeoutSec) * time.Second
		cfg.HTTPClient = SharedHTTPClient(timeout)
	}
	if name := cfg.Providers.Baileys.DeviceName; cfg.Providers.Baileys.Enabled && name != "" {
		// linked-device label is process-wide in whatsmeow
		store.DeviceProps.Os = proto.String(name)
	}
	return &Factory{
		cfg:    cfg.Providers,
		clk:    cfg.Clock,
		http:   cfg.HTTPClient,
		logger: cfg.Logger,
	}
}

// New returns a fresh, unstarted connector for ch.
func (f *Factory) New(ch domain.Channel) (domain.Connector, error) {
	switch ch.Provider {
	case domain.ProviderBaileys:
		if !f.cfg.Baileys.Enabled {
			return nil, disabled(ch.Provider)
		}
		return NewSocket(SocketConfig{
			ChannelID:  ch.ID,
			AuthDir:    f.cfg.Baileys.AuthDir,
			HTTPClient: f.http,
			Logger:     f.logger,
		}), nil

	case domain.ProviderEvolution:
		ev := f.cfg.Evolution
		if !ev.Enabled {
			return nil, disabled(ch.Provider)
		}
		return NewEvolution(EvolutionConfig{
			ChannelID:      ch.ID,
			Instance:       ch.InstanceID,
			InstancePrefix: ev.InstancePrefix,
			APIBase:        ev.APIBase,
			APIKey:         ev.APIKey,
			WebhookURL:     ev.WebhookURL,
			PollInterval:   time.Duration(ev.PollIntervalMs) * time.Millisecond,
			HTTPClient:     f.http,
			Clock:          f.clk,
			Logger:         f.logger,
		}), nil

	case domain.ProviderWebJS:
		wj := f.cfg.WebJS
		if !wj.Enabled {
			return nil, disabled(ch.Provider)
		}
		return NewWebJS(WebJSConfig{
			ChannelID:    ch.ID,
			ProfileDir:   wj.ProfileDir,
			ExecPath:     wj.ExecPath,
			URL:          wj.URL,
			Headless:     wj.Headless,
			PollInterval: time.Duration(wj.PollIntervalMs) * time.Millisecond,
			HTTPClient:   f.http,
			Clock:        f.clk,
			Logger:       f.logger,
		}), nil
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrUnknownProvider, ch.Provider)
}

func disabled(p domain.ProviderType) error {
	return fmt.Errorf("%w: provider %s is disabled", domain.ErrProviderUnavailable, p)
}
