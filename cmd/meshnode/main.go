// Command meshnode runs a single mesh node: broadcast core (discovery,
// auth, election), transport core (tree, routing, topology sync), and
// the blink application on top (spec.md §1, §4.9). No real ESP-NOW /
// Wi-Fi driver lives in this module (spec.md §1 Non-goals: "drivers,
// physical I/O"), so this entrypoint wires the in-memory simradio
// implementation of radio.Broadcast/radio.Transport; swapping in a real
// driver means implementing those two interfaces and passing them to
// newNode instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/cmd/meshnode/internal/blinkapp"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/broadcast"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/config"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/meshid"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/mps"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/neighbor"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/simradio"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/transport"
)

var (
	configPath = flag.String("config", "config.json", "path to the node's JSON configuration file")
	idFlag     = flag.String("id", "", "this node's 12-hex-character NodeId (overrides a random one)")
)

// scanner is the platform collaborator that feeds RecordScan (spec.md
// §4.4); real hardware drives this from an actual Wi-Fi scan. noopScanner
// stands in when nothing else is wired.
type scanner interface {
	scan(routerSSID string) (results []broadcast.ScanResult, routerRSSI float32, routerSeen bool)
}

type noopScanner struct{}

func (noopScanner) scan(routerSSID string) ([]broadcast.ScanResult, float32, bool) { return nil, 0, false }

type led struct {
	log *logrus.Entry
}

func (l led) SetColor(r, g, b uint8) {
	if l.log != nil {
		l.log.WithField("r", r).WithField("g", g).WithField("b", b).Info("blinkapp: LED colour changed")
	}
}

func main() {
	flag.Parse()
	log := logrus.New().WithField("component", "meshnode")

	if err := run(log); err != nil {
		log.WithError(err).Fatal("meshnode: fatal error")
	}
}

func run(log *logrus.Entry) error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("meshnode: %w", err)
	}

	self, err := resolveSelf(*idFlag)
	if err != nil {
		return fmt.Errorf("meshnode: %w", err)
	}
	log = log.WithField("node_id", self)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	node := newNode(self, cfg, simradio.SharedMedium, log)

	app := blinkapp.New(self, led{log: log}, node.transport, log.WithField("component", "blinkapp"))
	node.transport.SetApplicationHandler(app)

	node.run(ctx)
	go scanLoop(ctx, node.broadcast, cfg.ScanSSID, noopScanner{})

	log.Info("meshnode: running")
	<-ctx.Done()
	return nil
}

// scanLoop periodically feeds the broadcast core's centrality input
// (spec.md §4.4). scanSSID names the router network to report RSSI
// for; the scanner implementation that actually drives a radio scan is
// a platform concern outside this module.
func scanLoop(ctx context.Context, bc *broadcast.Core, scanSSID string, s scanner) {
	ticker := time.NewTicker(broadcast.AdvertisePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			results, rssi, seen := s.scan(scanSSID)
			bc.RecordScan(results, rssi, seen)
		}
	}
}

// resolveSelf parses an explicit -id flag, or generates a random NodeId
// (acceptable for the simradio-backed demo deployment; real hardware
// derives the id from the radio MAC instead).
func resolveSelf(flagVal string) (meshid.ID, error) {
	if flagVal != "" {
		return meshid.Parse(flagVal)
	}
	var id meshid.ID
	if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}
	return id, nil
}

// node bundles one mesh node's full stack, the same shape
// internal/transport's own integration test builds.
type node struct {
	broadcast *broadcast.Core
	transport *transport.Core
}

func newNode(self meshid.ID, cfg *config.Config, medium *simradio.Medium, log *logrus.Entry) *node {
	clock := func() int64 { return time.Now().UnixMilli() }
	bradio := simradio.NewBroadcastRadio(self, medium)
	if err := bradio.SetKeys(cfg.PMK, cfg.LMK); err != nil {
		log.WithError(err).Warn("meshnode: set link keys failed")
	}

	// neighbor.Table needs a Sender at construction time, and the
	// Sender is the broadcast core this proxy lets us build afterward
	// (see neighbor.SenderProxy doc comment). mps.Manager has the same
	// problem with the live Credential store: broadcast.Core is the
	// real CredentialStore, but it needs mpsMgr to construct itself, so
	// a CredentialStoreProxy stands in until bc exists.
	senderProxy := &neighbor.SenderProxy{}
	neighbors := neighbor.New(self, clock, senderProxy, broadcast.AdvertisePeriod, log.WithField("component", "neighbor"))
	credProxy := &mps.CredentialStoreProxy{}
	mpsMgr := mps.New(self, credProxy, bradio, log.WithField("component", "mps"))
	bc := broadcast.New(self, cfg.Credential, bradio, neighbors, mpsMgr, clock, broadcast.ElectionSettleImplemented, log.WithField("component", "broadcast"))
	senderProxy.Bind(bc)
	credProxy.Bind(bc)

	tradio := simradio.NewTransportRadio(self)
	tr := transport.New(self, bc, tradio, nil, 2*broadcast.ElectionSettleImplemented, log.WithField("component", "transport"))

	return &node{broadcast: bc, transport: tr}
}

func (n *node) run(ctx context.Context) {
	n.transport.Start(ctx)
	go n.broadcast.Run(ctx)
}
