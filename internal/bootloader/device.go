// Package bootloader implements the flash command set, the boot mode
// decision and the main event loop of the bootloader.
package bootloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/wota/internal/flash"
	"github.com/bigbag/wota/internal/image"
	"github.com/bigbag/wota/internal/platform"
	"github.com/bigbag/wota/internal/server"
)

// Config configures a Device.
type Config struct {
	Storage  flash.Storage
	Layout   image.Layout
	Platform platform.Platform
	Policy   server.ErrorPolicy

	// AutoReboot reboots into the application after this long, zero
	// disables it. With ResetOnTraffic every received chunk restarts it.
	AutoReboot     time.Duration
	ResetOnTraffic bool

	Log *logrus.Entry
}

// Device is the running bootloader: storage, layout, the event queue and
// the platform that performs control transfers.
type Device struct {
	storage  flash.Storage
	layout   image.Layout
	platform platform.Platform
	policy   server.ErrorPolicy
	events   chan Event
	log      *logrus.Entry

	autoReboot     time.Duration
	resetOnTraffic bool
}

// New creates a device.
func New(cfg Config) (*Device, error) {
	if cfg.Storage == nil || cfg.Platform == nil {
		return nil, errors.New("bootloader: storage and platform are required")
	}
	if err := cfg.Layout.Validate(); err != nil {
		return nil, err
	}
	if cfg.Storage.Geometry() != cfg.Layout.Flash {
		return nil, fmt.Errorf("bootloader: storage geometry %+v does not match layout %+v",
			cfg.Storage.Geometry(), cfg.Layout.Flash)
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Device{
		storage:        cfg.Storage,
		layout:         cfg.Layout,
		platform:       cfg.Platform,
		policy:         cfg.Policy,
		events:         make(chan Event, QueueLength),
		log:            cfg.Log,
		autoReboot:     cfg.AutoReboot,
		resetOnTraffic: cfg.ResetOnTraffic,
	}, nil
}

// Endpoint is a transport the server runs on.
type Endpoint interface {
	Serve(ctx context.Context, srv *server.Server) error
	String() string
}

// Listener serves TCP connections, one at a time.
type Listener struct {
	net.Listener
}

func (l Listener) Serve(ctx context.Context, srv *server.Server) error {
	return srv.Serve(ctx, l.Listener)
}

func (l Listener) String() string {
	return "tcp " + l.Addr().String()
}

// Stream serves an always-connected byte stream such as a serial port.
type Stream struct {
	Name string
	Conn io.ReadWriter
}

func (s Stream) Serve(ctx context.Context, srv *server.Server) error {
	return srv.ServeConn(ctx, s.Conn, s.Name)
}

func (s Stream) String() string {
	return "stream " + s.Name
}

// Run is the bootloader main loop. It starts the server on the endpoints,
// then waits for an event that ends the bootloader's life: a reboot or a
// jump. The transfer is performed through the platform after the server is
// shut down. Run returns the event that ended it.
func (d *Device) Run(ctx context.Context, endpoints ...Endpoint) (Event, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("bootloader: no endpoints")
	}

	var kick func()
	if d.autoReboot > 0 {
		d.log.Infof("Auto reboot in %s", d.autoReboot)
		wd := startWatchdog(d.autoReboot, func() {
			d.log.Info("Inactivity timeout, rebooting to application")
			if err := d.post(Reboot{ToBootloader: false}); err != nil {
				d.log.WithError(err).Warn("auto reboot not queued")
			}
		})
		defer wd.Stop()
		if d.resetOnTraffic {
			kick = wd.Kick
		}
	}

	table, err := NewTable(d)
	if err != nil {
		return nil, err
	}
	srv := server.New(table, server.Config{
		Policy:   d.policy,
		Log:      d.log,
		Activity: kick,
	})

	srvCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	failed := make(chan error, len(endpoints))
	started := false

	stop := func() {
		cancel()
		wg.Wait()
	}

	if err := d.post(ServerReady{}); err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			stop()
			return nil, ctx.Err()

		case err := <-failed:
			stop()
			return nil, err

		case ev := <-d.events:
			d.log.WithField("event", ev).Debug("event")

			switch ev := ev.(type) {
			case ServerReady:
				if started {
					continue
				}
				started = true
				for _, ep := range endpoints {
					wg.Add(1)
					go func(ep Endpoint) {
						defer wg.Done()
						err := ep.Serve(srvCtx, srv)
						switch {
						case err == nil, errors.Is(err, server.ErrHangup), srvCtx.Err() != nil:
							d.log.WithField("endpoint", ep).Debug("endpoint stopped")
						default:
							d.log.WithError(err).WithField("endpoint", ep).Error("Failed to serve")
							failed <- fmt.Errorf("serve %s: %w", ep, err)
						}
					}(ep)
				}

			case Reboot:
				stop()
				if err := d.platform.Reboot(ev.ToBootloader); err != nil {
					return ev, fmt.Errorf("reboot: %w", err)
				}
				return ev, nil

			case Jump:
				stop()
				if err := d.platform.Jump(ev.Vector); err != nil {
					return ev, fmt.Errorf("jump: %w", err)
				}
				return ev, nil
			}
		}
	}
}

func fieldsFor(addr, n uint32) logrus.Fields {
	return logrus.Fields{"addr": fmt.Sprintf("0x%08x", addr), "len": n}
}
