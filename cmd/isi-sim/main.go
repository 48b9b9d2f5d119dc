// Command isi-sim is a reference harness for the ISI engine: it wires a
// config file, structured logging, a metrics endpoint, and a UDP
// broadcast transport around a single isi.Engine, enough to watch two or
// more instances self-enroll and self-install over the loopback
// interface. It is not the production integration (that belongs to a
// real LonTalk/IP-852 stack) — see isi.FrameSender/AddressProgrammer.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/rob-gra/go-isi/isi"
	"github.com/rob-gra/go-isi/isi/message"
)

// simConfig is the on-disk YAML shape (SPEC_FULL.md §3).
type simConfig struct {
	ListenAddr        string `yaml:"listen_addr"`
	BroadcastAddr     string `yaml:"broadcast_addr"`
	Channel           string `yaml:"channel"`
	ConnectionTable   int    `yaml:"connection_table_size"`
	MetricsAddr       string `yaml:"metrics_addr"`
	SupplyDiagnostics bool   `yaml:"supply_diagnostics"`
	LogLevel          string `yaml:"log_level"`
}

func defaultConfig() simConfig {
	return simConfig{
		ListenAddr:      "224.0.1.42:4359",
		BroadcastAddr:   "224.0.1.42:4359",
		Channel:         "IP-852",
		ConnectionTable: 16,
		MetricsAddr:     ":9466",
		LogLevel:        "info",
	}
}

func loadConfig(path string) (simConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func channelFromName(name string) isi.ChannelType {
	switch name {
	case "TP/FT-10":
		return isi.ChannelTPFT10
	case "PL-20A":
		return isi.ChannelPL20A
	case "PL-20C":
		return isi.ChannelPL20C
	case "PL-20N":
		return isi.ChannelPL20N
	case "IzoT-IP":
		return isi.ChannelIzoTIP
	default:
		return isi.ChannelIP852
	}
}

func main() {
	cfgPath := flag.String("config", "", "path to a YAML config file (defaults applied if empty)")
	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.JSONFormatter{})

	uniqueID := synthesizeUniqueID()

	transport, err := newUDPTransport(cfg.ListenAddr, cfg.BroadcastAddr)
	if err != nil {
		logrus.WithError(err).Fatal("build udp transport")
	}
	defer transport.Close()

	sender := isi.AddressProgrammerSenderPair{
		FrameSender:       transport,
		AddressProgrammer: &loggingAddressProgrammer{},
	}

	flags := isi.FlagApplicationPeriodics
	if cfg.SupplyDiagnostics {
		flags |= isi.FlagSupplyDiagnostics
	}

	assy := &loggingAssemblyCallbacks{}
	if cfg.SupplyDiagnostics {
		diag := isi.NewPrometheusDiagnostics(prometheus.DefaultRegisterer)
		assy.diag = diag
	}

	engine := isi.NewEngine(cfg.ConnectionTable, uniqueID, sender, assy, nil)
	engine.Flags = flags
	if err := engine.Start(isi.BootReboot, channelFromName(cfg.Channel)); err != nil {
		logrus.WithError(err).Fatal("start engine")
	}
	logrus.WithFields(logrus.Fields{"unique_id": uniqueID, "channel": cfg.Channel}).Info("isi engine started")

	go serveMetrics(cfg.MetricsAddr)
	go transport.receiveLoop(engine)

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			engine.Tick()
		case <-sigCh:
			engine.Stop()
			logrus.Info("isi engine stopped")
			return
		}
	}
}

func synthesizeUniqueID() [6]byte {
	id := uuid.New()
	var out [6]byte
	copy(out[:], id[:6])
	return out
}

func serveMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logrus.WithError(err).Warn("metrics server stopped")
	}
}

// udpTransport implements isi.FrameSender over a single UDP multicast
// socket shared by every peer on the simulated channel, grounded on the
// SO_REUSEPORT + raw-socket option pattern the example pack uses for its
// own packet listeners (multiple local isi-sim instances bind the same
// multicast group for a one-host demo).
type udpTransport struct {
	conn    *net.UDPConn
	dstAddr *net.UDPAddr
}

func newUDPTransport(listenAddr, broadcastAddr string) (*udpTransport, error) {
	daddr, err := net.ResolveUDPAddr("udp4", broadcastAddr)
	if err != nil {
		return nil, err
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp4", listenAddr)
	if err != nil {
		return nil, err
	}
	conn := pc.(*net.UDPConn)

	return &udpTransport{conn: conn, dstAddr: daddr}, nil
}

func (t *udpTransport) Close() error { return t.conn.Close() }

func (t *udpTransport) send(code message.Code, payload []byte, addr *net.UDPAddr, repeats int) error {
	frame := append([]byte{byte(code)}, payload...)
	var lastErr error
	for i := 0; i < repeats; i++ {
		if _, err := t.conn.WriteToUDP(frame, addr); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (t *udpTransport) SendBroadcast(code message.Code, payload []byte, repeats int) error {
	return t.send(code, payload, t.dstAddr, repeats)
}

func (t *udpTransport) SendBroadcastSecondary(code message.Code, payload []byte, repeats int) error {
	return t.send(code, payload, t.dstAddr, repeats)
}

func (t *udpTransport) SendUnicast(code message.Code, payload []byte, uniqueID [6]byte, repeats int) error {
	// The demo transport has no address-table concept to resolve
	// uniqueID to an IP; it falls back to the shared group, same as
	// SendBroadcast. A real link layer resolves this via its own
	// routing.
	return t.send(code, payload, t.dstAddr, repeats)
}

func (t *udpTransport) SendServicePin() error {
	return t.send(message.CodeDrum, nil, t.dstAddr, 1)
}

// receiveLoop reads inbound frames and dispatches them to the matching
// Engine handler after running them through message.Approve.
func (t *udpTransport) receiveLoop(engine *isi.Engine) {
	buf := make([]byte, 256)
	for {
		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			logrus.WithError(err).Warn("udp read failed")
			return
		}
		if n < 1 {
			continue
		}
		codeByte, payload := buf[0], append([]byte(nil), buf[1:n]...)
		code, ok := message.Approve(true, codeByte, len(payload))
		if !ok {
			continue
		}
		dispatch(engine, code, payload)
	}
}

func dispatch(engine *isi.Engine, code message.Code, payload []byte) {
	switch code {
	case message.CodeDrum:
		engine.OnDrum(message.UnmarshalDrum(payload, false))
	case message.CodeDrumEx:
		engine.OnDrum(message.UnmarshalDrum(payload, true))
	case message.CodeCsmo:
		engine.OnCsmo(message.UnmarshalCsmo(payload, false), false)
	case message.CodeCsma:
		engine.OnCsmo(message.UnmarshalCsmo(payload, false), true)
	case message.CodeCsmr:
		engine.OnCsmo(message.UnmarshalCsmo(payload, false), true)
	case message.CodeCsme:
		engine.OnCsme(message.UnmarshalCidOnly(payload).Cid)
	case message.CodeCsmc:
		engine.OnCsmc(message.UnmarshalCidOnly(payload).Cid)
	case message.CodeCsmx:
		engine.OnCsmx(message.UnmarshalCidOnly(payload).Cid)
	case message.CodeCsmi:
		engine.OnCsmi(message.UnmarshalCsmi(payload))
	case message.CodeDidrq:
		engine.OnDidrq(message.UnmarshalDidrq(payload))
	case message.CodeDidrm:
		engine.OnDidrm(message.UnmarshalDidrm(payload), [6]byte{})
	case message.CodeDidcf:
		engine.OnDidcf(message.UnmarshalDidrm(payload))
	}
}

// loggingAddressProgrammer is a minimal AddressProgrammer stub: it logs
// every call instead of touching a real NV/address table, since that
// table is the host stack's responsibility (spec.md §1).
type loggingAddressProgrammer struct{}

func (loggingAddressProgrammer) ProgramPrimary(nv isi.NvRef, group byte, selector uint16, _ isi.Profile) error {
	logrus.WithFields(logrus.Fields{"nv": nv, "group": group, "selector": selector}).Debug("program primary")
	return nil
}

func (loggingAddressProgrammer) AllocAlias(primary isi.NvRef, group byte, selector uint16, _ isi.Profile) (int, bool) {
	logrus.WithFields(logrus.Fields{"primary": primary, "group": group, "selector": selector}).Debug("alloc alias")
	return 0, false
}

func (loggingAddressProgrammer) FreeAlias(aliasIndex int) {}

func (loggingAddressProgrammer) AliasesBoundTo(primary isi.NvRef) []int { return nil }

func (loggingAddressProgrammer) SweepUnreferenced() {}

func (loggingAddressProgrammer) SelectorOf(nv isi.NvRef) uint16 { return 0xFFFF }

func (loggingAddressProgrammer) AllocGroupEntry(group byte) (int, bool) { return int(group), true }

func (loggingAddressProgrammer) ProgramDomain(domain [6]byte, domainLen byte, subnet, node byte) error {
	logrus.WithFields(logrus.Fields{"domain": domain, "subnet": subnet, "node": node}).Info("domain acquired")
	return nil
}

// loggingAssemblyCallbacks is a minimal AssemblyCallbacks stub standing
// in for a real device's application layer: it offers one synthetic
// assembly (0) with one NV, and logs every user-interface/diagnostics
// event instead of driving real indicators.
type loggingAssemblyCallbacks struct {
	diag *isi.PrometheusDiagnostics
}

func (c *loggingAssemblyCallbacks) CreateCsmo(assembly uint8) (nvType, group, width, flags byte) {
	return 0, 0, 1, message.FlagDirOutput
}

func (c *loggingAssemblyCallbacks) GetAssembly(csmo message.Csmo, auto bool, prevAssembly uint8) (uint8, bool) {
	if prevAssembly != isi.NoAssembly {
		return 0, false
	}
	return 0, true
}

func (c *loggingAssemblyCallbacks) GetNvIndex(assembly uint8, offset int, prevNv int) (int, bool) {
	if prevNv != isi.NoNv {
		return 0, false
	}
	return 0, true
}

func (c *loggingAssemblyCallbacks) GetWidth(assembly uint8) int { return 1 }

func (c *loggingAssemblyCallbacks) GetPrimaryGroup(assembly uint8) byte { return assembly }

func (c *loggingAssemblyCallbacks) QueryHeartbeat(nv isi.NvRef) bool { return false }

func (c *loggingAssemblyCallbacks) CreatePeriodicMsg() bool { return false }

func (c *loggingAssemblyCallbacks) UpdateUserInterface(event isi.UIEvent, assembly uint8) {
	logrus.WithFields(logrus.Fields{"event": event, "assembly": assembly}).Info("ui event")
}

func (c *loggingAssemblyCallbacks) UpdateDiagnostics(event isi.DiagnosticsEvent, param uint8) {
	if c.diag != nil {
		c.diag.Report(event, param)
	}
}

func (c *loggingAssemblyCallbacks) ReportAbort(reason isi.AbortReason) {
	logrus.WithField("reason", reason).Warn("acquisition aborted")
	if c.diag != nil {
		c.diag.ReportAbort(reason)
	}
}
