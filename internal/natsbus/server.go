package natsbus

import (
	"fmt"
	"os"
	"time"

	"github.com/mtzanidakis/conclave/internal/config"
	natsserver "github.com/nats-io/nats-server/v2/server"
)

// Bus is the embedded NATS server used when no external URL is configured.
type Bus struct {
	server *natsserver.Server
	cfg    config.NATSConfig
}

func New(cfg config.NATSConfig) (*Bus, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create nats data dir: %w", err)
	}

	opts := &natsserver.Options{
		Host:     "127.0.0.1",
		Port:     cfg.Port,
		NoLog:    true,
		NoSigs:   true,
		StoreDir: cfg.DataDir,
	}
	if cfg.Port == 0 {
		opts.Port = natsserver.RANDOM_PORT
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready")
	}

	return &Bus{
		server: ns,
		cfg:    cfg,
	}, nil
}

func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

func (b *Bus) Close() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}

// Connect returns a client for cfg: the external server when URL is set,
// otherwise a freshly started embedded bus. The returned bus is nil for
// external servers.
func Connect(cfg config.NATSConfig) (*Bus, *Client, error) {
	if cfg.URL != "" {
		client, err := NewClientFromURL(cfg.URL)
		return nil, client, err
	}
	bus, err := New(cfg)
	if err != nil {
		return nil, nil, err
	}
	client, err := NewClient(bus)
	if err != nil {
		bus.Close()
		return nil, nil, err
	}
	return bus, client, nil
}
