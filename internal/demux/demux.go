// Package demux turns link-layer frames into application payloads: it decodes
// L2-L4, reassembles IPv4 fragments and TCP streams, and classifies payloads
// into the desktop and companion sub-protocols.
package demux

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/ip4defrag"
	"github.com/google/gopacket/layers"

	"firestige.xyz/ridereplay/internal/capture"
	"firestige.xyz/ridereplay/internal/core"
)

// Application defaults.
const (
	DefaultDesktopUDPPort   = 3022
	DefaultDesktopTCPPort   = 3023
	DefaultCompanionTCPPort = 21587

	DefaultMaxStreamBuffer = 1 << 20
	DefaultMaxMessageSize  = 1 << 20
	DefaultFragmentTimeout = 30 * time.Second
)

// Length prefix sizes of the TCP framings.
const (
	desktopPrefix   = 2
	companionPrefix = 4
)

// Config selects the monitored transports and stream limits. Zero fields
// take the package defaults.
type Config struct {
	DesktopUDPPort   uint16
	DesktopTCPPort   uint16
	CompanionTCPPort uint16

	// Local is the address of the captured client. When invalid it is learned
	// from the first monitored frame.
	Local netip.Addr

	MaxStreamBuffer int
	MaxMessageSize  int
	FragmentTimeout time.Duration
}

// DefaultConfig returns the configuration for the application's own ports.
func DefaultConfig() Config {
	return Config{
		DesktopUDPPort:   DefaultDesktopUDPPort,
		DesktopTCPPort:   DefaultDesktopTCPPort,
		CompanionTCPPort: DefaultCompanionTCPPort,
		MaxStreamBuffer:  DefaultMaxStreamBuffer,
		MaxMessageSize:   DefaultMaxMessageSize,
		FragmentTimeout:  DefaultFragmentTimeout,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DesktopUDPPort == 0 {
		c.DesktopUDPPort = def.DesktopUDPPort
	}
	if c.DesktopTCPPort == 0 {
		c.DesktopTCPPort = def.DesktopTCPPort
	}
	if c.CompanionTCPPort == 0 {
		c.CompanionTCPPort = def.CompanionTCPPort
	}
	if c.MaxStreamBuffer <= 0 {
		c.MaxStreamBuffer = def.MaxStreamBuffer
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.FragmentTimeout <= 0 {
		c.FragmentTimeout = def.FragmentTimeout
	}
	return c
}

// Stats counts frames by outcome.
type Stats struct {
	Frames    uint64 // Frames fed
	Filtered  uint64 // Dropped by the port prefilter
	Ignored   uint64 // Decoded but not monitored
	Fragments uint64 // IPv4 fragments seen
	Payloads  uint64 // Payloads produced
}

// Demux is the transport demultiplexer for one replay. It is not safe for
// concurrent use.
type Demux struct {
	cfg     Config
	local   netip.Addr
	filter  *portFilter
	defrag  *ip4defrag.IPv4Defragmenter
	streams map[streamKey]*stream
	stats   Stats
}

// New returns a demultiplexer for cfg.
func New(cfg Config) *Demux {
	cfg = cfg.withDefaults()
	filter, err := newPortFilter(
		[]uint16{cfg.DesktopUDPPort},
		[]uint16{cfg.DesktopTCPPort, cfg.CompanionTCPPort},
	)
	if err != nil {
		// The port set has a fixed size, so the program always assembles.
		panic(err)
	}
	return &Demux{
		cfg:     cfg,
		local:   cfg.Local,
		filter:  filter,
		defrag:  ip4defrag.NewIPv4Defragmenter(),
		streams: make(map[streamKey]*stream),
	}
}

// Feed consumes one frame and returns the payloads it completed. Payloads and
// an error may be returned together: the error describes data that was lost,
// the payloads are still valid.
func (d *Demux) Feed(f capture.Frame) ([]core.Payload, error) {
	d.stats.Frames++
	d.defrag.DiscardOlderThan(f.Timestamp.Add(-d.cfg.FragmentTimeout))

	if f.LinkType == layers.LinkTypeEthernet && !d.filter.accept(f.Data) {
		d.stats.Filtered++
		return nil, nil
	}

	pkt := gopacket.NewPacket(f.Data, f.LinkType, gopacket.NoCopy)
	if ip4, ok := pkt.NetworkLayer().(*layers.IPv4); ok && isFragment(ip4) {
		return d.feedFragment(f, ip4)
	}
	return d.route(f, pkt.NetworkLayer(), pkt)
}

func (d *Demux) feedFragment(f capture.Frame, frag *layers.IPv4) ([]core.Payload, error) {
	d.stats.Fragments++
	if f.Truncated() {
		return nil, fmt.Errorf("%w: frame %d: fragment cut by snap length (%d of %d bytes)",
			core.ErrMalformedFrame, f.Index, f.CaptureLen, f.OrigLen)
	}
	whole, err := d.defrag.DefragIPv4WithTimestamp(frag, f.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: frame %d: ipv4 reassembly: %v", core.ErrMalformedFrame, f.Index, err)
	}
	if whole == nil {
		return nil, nil
	}
	inner := gopacket.NewPacket(whole.Payload, whole.Protocol.LayerType(), gopacket.NoCopy)
	return d.route(f, whole, inner)
}

func (d *Demux) route(f capture.Frame, nl gopacket.NetworkLayer, pkt gopacket.Packet) ([]core.Payload, error) {
	if malformedIP(pkt) {
		return nil, fmt.Errorf("%w: frame %d: %v", core.ErrMalformedFrame, f.Index, pkt.ErrorLayer().Error())
	}
	tl := pkt.TransportLayer()
	if nl == nil || tl == nil {
		d.stats.Ignored++
		return nil, nil
	}

	flow := nl.NetworkFlow()
	srcIP, dstIP := addrOf(flow.Src()), addrOf(flow.Dst())

	switch t := tl.(type) {
	case *layers.UDP:
		src := netip.AddrPortFrom(srcIP, uint16(t.SrcPort))
		dst := netip.AddrPortFrom(dstIP, uint16(t.DstPort))
		if !d.isDesktopUDP(src, dst) {
			break
		}
		if err := checkIntact(f, pkt); err != nil {
			return nil, err
		}
		if len(t.Payload) == 0 {
			return nil, nil
		}
		p := d.payload(f, core.ProtocolDesktop, core.TransportUDP, src, dst, d.cfg.DesktopUDPPort)
		p.Data = append([]byte(nil), t.Payload...)
		d.stats.Payloads++
		return []core.Payload{p}, nil

	case *layers.TCP:
		src := netip.AddrPortFrom(srcIP, uint16(t.SrcPort))
		dst := netip.AddrPortFrom(dstIP, uint16(t.DstPort))
		proto, server, prefix, ok := d.classifyTCP(src, dst)
		if !ok {
			break
		}
		if err := checkIntact(f, pkt); err != nil {
			return nil, err
		}
		template := d.payload(f, proto, core.TransportTCP, src, dst, server)
		return d.feedSegment(template, prefix, t)
	}

	d.stats.Ignored++
	return nil, nil
}

func (d *Demux) isDesktopUDP(src, dst netip.AddrPort) bool {
	return src.Port() == d.cfg.DesktopUDPPort || dst.Port() == d.cfg.DesktopUDPPort
}

func (d *Demux) classifyTCP(src, dst netip.AddrPort) (proto core.Protocol, server uint16, prefix int, ok bool) {
	switch {
	case src.Port() == d.cfg.CompanionTCPPort || dst.Port() == d.cfg.CompanionTCPPort:
		return core.ProtocolCompanion, d.cfg.CompanionTCPPort, companionPrefix, true
	case src.Port() == d.cfg.DesktopTCPPort || dst.Port() == d.cfg.DesktopTCPPort:
		return core.ProtocolDesktop, d.cfg.DesktopTCPPort, desktopPrefix, true
	}
	return 0, 0, 0, false
}

// payload builds the payload header shared by every message of the frame.
func (d *Demux) payload(f capture.Frame, proto core.Protocol, tr core.Transport, src, dst netip.AddrPort, server uint16) core.Payload {
	return core.Payload{
		Protocol:  proto,
		Transport: tr,
		Src:       src,
		Dst:       dst,
		Direction: d.direction(proto, server, src, dst),
		Timestamp: f.Timestamp,
		Frame:     f.Index,
	}
}

// direction classifies by the local address, learning it on first use. The
// local host is the desktop client: the side away from the game server port,
// and the side listening on the companion port that the phone connects to.
func (d *Demux) direction(proto core.Protocol, server uint16, src, dst netip.AddrPort) core.Direction {
	if !d.local.IsValid() {
		towardServer := dst.Port() == server
		if proto == core.ProtocolCompanion {
			towardServer = !towardServer
		}
		if towardServer {
			d.local = src.Addr()
		} else {
			d.local = dst.Addr()
		}
	}
	if dst.Addr() == d.local {
		return core.Incoming
	}
	return core.Outgoing
}

// Local returns the configured or learned local address.
func (d *Demux) Local() netip.Addr { return d.local }

// Stats returns the counters accumulated so far.
func (d *Demux) Stats() Stats { return d.stats }

// Streams returns the number of TCP streams currently tracked.
func (d *Demux) Streams() int { return len(d.streams) }

// Close releases all stream and fragment state and returns the number of
// streams that still held a partial message.
func (d *Demux) Close() int {
	abandoned := 0
	for _, s := range d.streams {
		if len(s.buf) > 0 {
			abandoned++
		}
	}
	d.streams = make(map[streamKey]*stream)
	d.defrag = ip4defrag.NewIPv4Defragmenter()
	return abandoned
}

func isFragment(ip *layers.IPv4) bool {
	return ip.Flags&layers.IPv4MoreFragments != 0 || ip.FragOffset != 0
}

// checkIntact rejects monitored frames whose bytes are not all present.
func checkIntact(f capture.Frame, pkt gopacket.Packet) error {
	if f.Truncated() {
		return fmt.Errorf("%w: frame %d: cut by snap length (%d of %d bytes)",
			core.ErrMalformedFrame, f.Index, f.CaptureLen, f.OrigLen)
	}
	if pkt.Metadata().Truncated {
		return fmt.Errorf("%w: frame %d: headers declare more bytes than captured", core.ErrMalformedFrame, f.Index)
	}
	if el := pkt.ErrorLayer(); el != nil {
		return fmt.Errorf("%w: frame %d: %v", core.ErrMalformedFrame, f.Index, el.Error())
	}
	return nil
}

// malformedIP reports whether decoding failed in the IP or transport header
// of a frame typed as IP. gopacket keeps a layer that failed to decode as a
// zero value, so an empty transport header or an IP header without its
// version marks the failure. Errors past the transport header and in
// protocols that are never routed are not reported.
func malformedIP(pkt gopacket.Packet) bool {
	if pkt.ErrorLayer() == nil {
		return false
	}
	if eth, ok := pkt.LinkLayer().(*layers.Ethernet); ok &&
		eth.EthernetType != layers.EthernetTypeIPv4 && eth.EthernetType != layers.EthernetTypeIPv6 {
		return false
	}
	if tl := pkt.TransportLayer(); tl != nil {
		return len(tl.LayerContents()) == 0
	}
	switch nl := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		return nl.Version != 4 || nl.Protocol == layers.IPProtocolUDP || nl.Protocol == layers.IPProtocolTCP
	case *layers.IPv6:
		return nl.Version != 6 || nl.NextHeader == layers.IPProtocolUDP || nl.NextHeader == layers.IPProtocolTCP
	case nil:
		return true
	}
	return false
}

func addrOf(ep gopacket.Endpoint) netip.Addr {
	a, _ := netip.AddrFromSlice(ep.Raw())
	return a.Unmap()
}

// joinErrs keeps the single-error case unwrapped for readable messages.
func joinErrs(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	return errors.Join(errs...)
}
