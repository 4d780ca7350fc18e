package cmd

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"grimm.is/chainwall/internal/clock"
	"grimm.is/chainwall/internal/firewall"
	"grimm.is/chainwall/internal/hook"
	"grimm.is/chainwall/internal/logging"
	"grimm.is/chainwall/internal/metrics"
	"grimm.is/chainwall/internal/services"
)

// ReplayOptions configures a capture replay.
type ReplayOptions struct {
	ConfigFile string
	RulesFile  string
	PcapFile   string
	// Local prefixes decide direction: packets to them are inbound,
	// packets from them outbound. With none, everything is inbound.
	Local   []netip.Prefix
	Verbose bool
}

// ReplayResult summarises a replay.
type ReplayResult struct {
	Packets   int
	Skipped   int
	Malformed int
	Sweeps    int
	Duration  time.Duration
	Metrics   metrics.Snapshot
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// RunReplay feeds a pcap or pcapng capture through the rules file, using
// capture timestamps as the engine clock so connection timeouts behave as
// they would have live.
func RunReplay(w io.Writer, opts ReplayOptions) (ReplayResult, error) {
	var res ReplayResult

	cfg, err := loadConfig(opts.ConfigFile)
	if err != nil {
		return res, err
	}
	if opts.RulesFile == "" {
		opts.RulesFile = cfg.RulesFile
	}
	d, err := cfg.ConntrackDurations()
	if err != nil {
		return res, err
	}

	f, err := os.Open(opts.PcapFile)
	if err != nil {
		return res, err
	}
	defer f.Close()

	src, err := openCapture(f)
	if err != nil {
		return res, err
	}
	dec, err := decoderFor(src.LinkType())
	if err != nil {
		return res, err
	}

	data, ci, err := src.ReadPacketData()
	if errors.Is(err, io.EOF) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("read %s: %w", opts.PcapFile, err)
	}

	clk := clock.NewMockClock(ci.Timestamp)
	e, err := offlineEngine(cfg, func(o *firewall.Options) { o.Clock = clk })
	if err != nil {
		return res, err
	}
	defer e.Shutdown()
	if err := e.LoadRules(opts.RulesFile); err != nil {
		return res, err
	}

	sweeper := services.NewSweeper(e, d.SweepInterval, d.Timeout, logging.Discard(), nil)
	start, nextSweep := ci.Timestamp, ci.Timestamp.Add(d.SweepInterval)

	for {
		clk.Set(ci.Timestamp)
		for !ci.Timestamp.Before(nextSweep) {
			sweeper.SweepOnce()
			res.Sweeps++
			nextSweep = nextSweep.Add(d.SweepInterval)
		}

		switch pkt, kind := dec.Decode(data, firewall.Inbound); kind {
		case hook.Decoded:
			pkt.Direction = direction(pkt, opts.Local)
			v := e.Inspect(pkt)
			res.Packets++
			if opts.Verbose {
				fmt.Fprintf(w, "%s %s %s:%d > %s:%d %s\n",
					ci.Timestamp.Format("15:04:05.000000"), pkt.Direction,
					firewall.FormatIPv4(pkt.SrcIP), pkt.SrcPort,
					firewall.FormatIPv4(pkt.DstIP), pkt.DstPort,
					verdictStyle(v.String()))
			}
		case hook.Malformed:
			res.Malformed++
		default:
			res.Skipped++
		}

		data, ci, err = src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("read %s: %w", opts.PcapFile, err)
		}
	}

	res.Duration = clk.Since(start)
	res.Metrics = e.Metrics()
	return res, nil
}

// openCapture accepts both pcap and pcapng files.
func openCapture(f *os.File) (packetReader, error) {
	r, err := pcapgo.NewReader(f)
	if err == nil {
		return r, nil
	}
	if _, serr := f.Seek(0, io.SeekStart); serr != nil {
		return nil, serr
	}
	ng, ngErr := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
	if ngErr != nil {
		return nil, fmt.Errorf("not a pcap or pcapng file: %w", err)
	}
	return ng, nil
}

func decoderFor(lt layers.LinkType) (*hook.Decoder, error) {
	switch lt {
	case layers.LinkTypeEthernet:
		return hook.NewDecoder(layers.LayerTypeEthernet), nil
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		return hook.NewDecoder(layers.LayerTypeIPv4), nil
	}
	return nil, fmt.Errorf("unsupported link type %s", lt)
}

func direction(pkt firewall.Packet, local []netip.Prefix) firewall.Direction {
	if len(local) == 0 {
		return firewall.Inbound
	}
	dst := addrOf(pkt.DstIP)
	for _, p := range local {
		if p.Contains(dst) {
			return firewall.Inbound
		}
	}
	src := addrOf(pkt.SrcIP)
	for _, p := range local {
		if p.Contains(src) {
			return firewall.Outbound
		}
	}
	return firewall.Inbound
}

func addrOf(ip uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(ip >> 24), byte(ip >> 16), byte(ip >> 8), byte(ip)})
}

// PrintReplay writes a replay summary.
func PrintReplay(w io.Writer, res ReplayResult) {
	m := res.Metrics
	Printer.Fprintln(w, styleHeader.Render("Replay summary"))
	Printer.Fprintf(w, "Packets:   %d (%d not IPv4, skipped)\n", res.Packets, res.Skipped)
	if res.Malformed > 0 {
		Printer.Fprintf(w, "Malformed: %d (dropped unseen by rules)\n", res.Malformed)
	}
	Printer.Fprintf(w, "Span:      %s, %d sweeps\n", res.Duration.Round(time.Millisecond), res.Sweeps)
	Printer.Fprintf(w, "Accepted:  %d\n", m.PacketsAccepted)
	Printer.Fprintf(w, "Dropped:   %d\n", m.PacketsDropped)
	Printer.Fprintf(w, "Rejected:  %d\n", m.PacketsRejected)
	Printer.Fprintf(w, "Rule hits: %d\n", m.RulesMatched)
	Printer.Fprintf(w, "Flows:     %d tracked, %d active, %d expired, %d not tracked (table full)\n",
		m.ConnsTracked, m.ConnsActive, m.ConnsReclaimed, m.ConnInsertFailed)
}
