// Command tpx3spectra connects to a TPX3 pixel-detector packet stream
// over TCP, attributes every hit to its illumination period, and
// writes one time/energy histogram per completed period.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/tpx3spectra/tpx3spectra/internal/buildinfo"
	"github.com/tpx3spectra/tpx3spectra/internal/config"
	"github.com/tpx3spectra/tpx3spectra/internal/discovery"
	"github.com/tpx3spectra/tpx3spectra/internal/engine"
	"github.com/tpx3spectra/tpx3spectra/internal/histogram"
	"github.com/tpx3spectra/tpx3spectra/internal/histwriter"
	"github.com/tpx3spectra/tpx3spectra/internal/logging"
	"github.com/tpx3spectra/tpx3spectra/internal/pixelmap"
)

func main() {
	var (
		configFile   = pflag.StringP("config", "c", "tpx3spectra.conf", "Configuration file path.")
		configFormat = pflag.String("config-format", "", `Configuration file format: "keyword" or "yaml". Inferred from the file extension if empty.`)
		logLevel     = pflag.String("log-level", "", "Log level: debug, info, warn or error. Overrides the config file value.")
		mdnsFlag     = pflag.Bool("mdns", false, "Announce this instance's upstream address over mDNS/DNS-SD.")
		versionFlag  = pflag.BoolP("version", "v", false, "Print version information and exit.")
		help         = pflag.BoolP("help", "h", false, "Display help text.")
	)

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "tpx3spectra - TPX3 pixel-detector period-attribution histogram engine.\n\n")
		fmt.Fprintf(os.Stderr, "Usage: tpx3spectra [options]\n\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	if *versionFlag {
		buildinfo.Print(false)
		os.Exit(0)
	}

	cfg, err := config.LoadFile(*configFile, *configFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tpx3spectra: %v\n", err)
		os.Exit(1)
	}

	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := logging.New(os.Stderr, logging.ParseLevel(cfg.LogLevel), "tpx3spectra")

	if err := run(cfg, *mdnsFlag, logger); err != nil {
		logger.Error("exiting", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, announce bool, logger *log.Logger) error {
	conn, err := net.Dial("tcp", cfg.UpstreamAddr)
	if err != nil {
		return fmt.Errorf("dialing upstream %q: %w", cfg.UpstreamAddr, err)
	}
	defer conn.Close() //nolint:errcheck

	rc := engine.NewRunContext(histogram.ROI{
		Start: cfg.TROIStart,
		Step:  cfg.TROIStep,
		N:     cfg.TROIN,
	}, cfg.SaveInterval)

	if cfg.PixelMapPath != "" {
		pm, err := loadPixelMap(cfg.PixelMapPath)
		if err != nil {
			return fmt.Errorf("loading pixel map: %w", err)
		}

		if err := pm.NChips(cfg.NChips); err != nil {
			return fmt.Errorf("%w: %v", engine.ErrConfigMismatch, err)
		}

		rc.SetPixelMap(pm)
	}

	writer := &histwriter.FileWriter{
		Dir:          cfg.OutputURI,
		SaveInterval: cfg.SaveInterval,
		Logger:       logger.With("component", "histwriter"),
	}

	manager := histogram.New(histogram.Options{
		NChips:    cfg.NChips,
		NPeriods:  2 * cfg.MaxPeriodQueues,
		TBins:     cfg.TROIN,
		EnergyPts: cfg.NEnergyPoints,
		Writer:    writer,
		Detector:  cfg.UpstreamAddr,
		PixelMap:  rc.PixelMap,
		ROI:       rc.ROI,
	})

	dh := engine.NewDataHandler(rc, manager, conn, engine.Options{
		NChips:          cfg.NChips,
		InitialPeriod:   cfg.InitialPeriod,
		MaxPeriodQueues: cfg.MaxPeriodQueues,
		Threshold:       cfg.Threshold,
		PacketIDWords:   isPacketIDVersion(cfg.ServerVersion),
		Logger:          logger.With("component", "datahandler"),
	})

	if announce {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if tcpAddr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
			discovery.Announce(ctx, logger.With("component", "discovery"), cfg.UpstreamAddr, tcpAddr.Port)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	writerDone := make(chan error, 1)
	go func() { writerDone <- manager.RunWriter() }()

	go func() {
		<-sigCh
		logger.Info("received shutdown signal, stopping")
		rc.StopNow()
		conn.Close() //nolint:errcheck
	}()

	runErr := dh.Run()

	manager.Stop()
	writerErr := <-writerDone

	if runErr != nil {
		return fmt.Errorf("data handler: %w", runErr)
	}

	if writerErr != nil {
		return fmt.Errorf("histogram writer: %w", writerErr)
	}

	return rc.LastError()
}

// isPacketIDVersion reports whether serverVersion (a "major.minor"
// string such as "3.20") is at or above the 3.20 protocol revision
// that introduced the packet-id marker word.
func isPacketIDVersion(serverVersion string) bool {
	var major, minor int
	if _, err := fmt.Sscanf(serverVersion, "%d.%d", &major, &minor); err != nil {
		return false
	}

	return major > 3 || (major == 3 && minor >= 20)
}

func loadPixelMap(path string) (*pixelmap.Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	if filepath.Ext(path) == ".csv" {
		return pixelmap.LoadCSV(f)
	}

	return pixelmap.Load(f)
}
