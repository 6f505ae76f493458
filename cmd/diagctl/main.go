// diagctl is a thin CLI over the Scanner façade: discover, connect, enter a
// session, send one request, print the result. Mirrors the teacher's
// cmd/analyze, cmd/query, cmd/replay flag-based style.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/anodyne74/diagcore/config"
	"github.com/anodyne74/diagcore/connstate"
	"github.com/anodyne74/diagcore/j2534"
	"github.com/anodyne74/diagcore/scanner"
	"github.com/anodyne74/diagcore/statestore"
	"github.com/anodyne74/diagcore/telemetry"
	"github.com/anodyne74/diagcore/uds"
)

func main() {
	var (
		configFile string
		ifaceName  string
		transport  string
		scannerID  string
		protocol   string
		sourceID   uint
		targetID   uint
		session    string
		service    string
		args       string
	)

	flag.StringVar(&configFile, "config", "", "Path to YAML config file (defaults applied if absent)")
	flag.StringVar(&transport, "transport", "socketcan", "Transport driver: socketcan or elm327")
	flag.StringVar(&ifaceName, "iface", "can0", "SocketCAN interface name or ELM327 serial port")
	flag.StringVar(&scannerID, "scanner", "local", "Scanner id to connect to")
	flag.StringVar(&protocol, "protocol", "ISO15765", "J2534 protocol")
	flag.UintVar(&sourceID, "source", 0x7E0, "Tester (source) CAN arbitration id")
	flag.UintVar(&targetID, "target", 0x7E8, "ECU (target) CAN arbitration id")
	flag.StringVar(&session, "session", "", "Session type to enter before sending: default, programming, extended, safety")
	flag.StringVar(&service, "service", "", "UDS service id in hex, e.g. 22 for ReadDataByIdentifier")
	flag.StringVar(&args, "args", "", "Request argument bytes in hex, e.g. F190")
	flag.Parse()

	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadConfig(configFile)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
	} else {
		cfg = config.Default()
	}

	repo, err := statestore.NewJSONStore(cfg.StateDir)
	if err != nil {
		log.Fatalf("opening state store: %v", err)
	}

	opts := scanner.DefaultOptions()
	opts.Repository = repo
	opts.MaxChannels = cfg.J2534.MaxConcurrentChannels
	opts.SegmenterConfig.PaddingByte = cfg.ISOTP.PaddingByte
	opts.SegmenterConfig.FCTimeout = time.Duration(cfg.ISOTP.FCTimeoutMs) * time.Millisecond
	opts.ReassemblerConfig.PaddingByte = cfg.ISOTP.PaddingByte
	opts.ReassemblerConfig.NCRMax = time.Duration(cfg.ISOTP.NCRMaxMs) * time.Millisecond
	opts.ReassemblerConfig.BlockSize = cfg.ISOTP.DefaultBS
	opts.ReassemblerConfig.STMin = time.Duration(cfg.ISOTP.DefaultSTMin) * time.Millisecond
	opts.UDSTiming.ResponsePendingMax = cfg.UDS.ResponsePendingMax
	opts.UDSTiming.KeepaliveEnabled = cfg.UDS.KeepaliveEnabled
	opts.SeedKey = placeholderSeedKey

	if cfg.Datastore.InfluxDB.URL != "" {
		sink, err := telemetry.NewInfluxSink(
			cfg.Datastore.InfluxDB.URL,
			cfg.Datastore.InfluxDB.Token,
			cfg.Datastore.InfluxDB.Org,
			cfg.Datastore.InfluxDB.Bucket,
		)
		if err != nil {
			log.Fatalf("telemetry: %v", err)
		}
		defer sink.Close()
		opts.Telemetry = sink
	} else {
		opts.Telemetry = telemetry.NoopSink{}
	}

	sc := scanner.New(opts)
	registerCandidate(sc, scannerID, transport, ifaceName)

	ctx := context.Background()

	proto, err := parseProtocol(protocol)
	if err != nil {
		log.Fatalf("protocol: %v", err)
	}

	conn, err := sc.Connect(ctx, scannerID, proto, uint32(sourceID), uint32(targetID))
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer sc.Disconnect(ctx, conn.ID())

	if session != "" {
		t, err := parseSessionType(session)
		if err != nil {
			log.Fatalf("session: %v", err)
		}
		resp, warnings, err := conn.EnterSession(ctx, t)
		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "warning: %s\n", w.Message)
		}
		if err != nil {
			log.Fatalf("enter session: %v", err)
		}
		fmt.Printf("session response: % X\n", resp)
	}

	if service != "" {
		sid, err := strconv.ParseUint(strings.TrimPrefix(service, "0x"), 16, 8)
		if err != nil {
			log.Fatalf("service: %v", err)
		}
		argBytes, err := hex.DecodeString(args)
		if err != nil {
			log.Fatalf("args: %v", err)
		}
		resp, warnings, err := conn.Send(ctx, uds.ServiceID(sid), argBytes...)
		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "warning: %s\n", w.Message)
		}
		if err != nil {
			log.Fatalf("send: %v", err)
		}
		fmt.Printf("response: % X\n", resp)
	}
}

// placeholderSeedKey is a development-only seed->key hook; real vehicle
// security algorithms are manufacturer-specific and out of scope (spec
// §9's first open question).
func placeholderSeedKey(seed []byte, level int) ([]byte, error) {
	key := make([]byte, len(seed))
	for i, b := range seed {
		key[i] = b ^ byte(level)
	}
	return key, nil
}

func registerCandidate(sc *scanner.Scanner, scannerID, transportKind, iface string) {
	switch transportKind {
	case "elm327":
		sc.RegisterCandidate(scanner.Candidate{
			ScannerID: scannerID,
			Type:      connstate.ScannerUSB,
			Device:    j2534.Device{Vendor: "Generic", Product: "ELM327", SupportedProtocols: []j2534.Protocol{j2534.ProtocolISO15765, j2534.ProtocolISO9141, j2534.ProtocolISO14230}},
			NewTransport: func() (j2534.Transport, error) {
				return j2534.NewELM327Transport(iface, 38400), nil
			},
		})
	default:
		sc.RegisterCandidate(scanner.Candidate{
			ScannerID: scannerID,
			Type:      connstate.ScannerJ2534,
			Device:    j2534.Device{Vendor: "SocketCAN", Product: iface, SupportedProtocols: []j2534.Protocol{j2534.ProtocolCAN, j2534.ProtocolISO15765}},
			NewTransport: func() (j2534.Transport, error) {
				return j2534.NewSocketCANTransport(iface), nil
			},
		})
	}
}

func parseProtocol(name string) (j2534.Protocol, error) {
	switch name {
	case "CAN":
		return j2534.ProtocolCAN, nil
	case "ISO15765":
		return j2534.ProtocolISO15765, nil
	case "ISO14230":
		return j2534.ProtocolISO14230, nil
	case "ISO9141":
		return j2534.ProtocolISO9141, nil
	case "J1850_VPW":
		return j2534.ProtocolJ1850VPW, nil
	case "J1850_PWM":
		return j2534.ProtocolJ1850PWM, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q", name)
	}
}

func parseSessionType(name string) (uds.SessionType, error) {
	switch name {
	case "default":
		return uds.SessionDefault, nil
	case "programming":
		return uds.SessionProgramming, nil
	case "extended":
		return uds.SessionExtended, nil
	case "safety":
		return uds.SessionSafety, nil
	default:
		return 0, fmt.Errorf("unknown session type %q", name)
	}
}
