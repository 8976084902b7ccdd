// Package discovery announces this detector's upstream TCP endpoint
// over mDNS/DNS-SD: pure Go, no system daemon or C library dependency.
package discovery

import (
	"context"
	"fmt"

	"github.com/brutella/dnssd"
	"github.com/charmbracelet/log"
)

// ServiceType is the DNS-SD service type advertised for a tpx3spectra
// upstream TCP endpoint.
const ServiceType = "_tpx3spectra._tcp"

// Announce advertises name on port via mDNS/DNS-SD and runs the
// responder until ctx is cancelled. It logs failures rather than
// returning them, since discovery is a convenience, not a required
// capability (spec §6: out of scope as a hard dependency).
func Announce(ctx context.Context, logger *log.Logger, name string, port int) {
	if name == "" {
		name = "tpx3spectra"
	}

	cfg := dnssd.Config{Name: name, Type: ServiceType, Port: port} //nolint:exhaustruct

	svc, err := dnssd.NewService(cfg)
	if err != nil {
		logger.Error("dns-sd: failed to create service", "err", err)

		return
	}

	responder, err := dnssd.NewResponder()
	if err != nil {
		logger.Error("dns-sd: failed to create responder", "err", err)

		return
	}

	if _, err := responder.Add(svc); err != nil {
		logger.Error("dns-sd: failed to add service", "err", err)

		return
	}

	logger.Info(fmt.Sprintf("dns-sd: announcing %s on port %d as %q", ServiceType, port, name))

	go func() {
		if err := responder.Respond(ctx); err != nil && ctx.Err() == nil {
			logger.Error("dns-sd: responder error", "err", err)
		}
	}()
}
