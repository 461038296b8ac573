// Package capturetest builds synthetic capture files for tests.
package capturetest

import (
	"bytes"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Flag is a set of TCP control bits.
type Flag uint8

const (
	SYN Flag = 1 << iota
	FIN
	RST
	PSH
	ACK
)

const snaplen = 65535

var (
	localMAC  = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	remoteMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	serialize = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
)

type record struct {
	ci   gopacket.CaptureInfo
	data []byte
}

// Builder accumulates Ethernet frames and renders them as a capture file.
// Builder methods panic on serialization errors; they only run in tests.
type Builder struct {
	records  []record
	ifaces   []layers.LinkType // pcapng interfaces after the Ethernet one
	truncate int
}

// New returns an empty builder.
func New() *Builder { return &Builder{} }

// Len returns the number of frames added so far.
func (b *Builder) Len() int { return len(b.records) }

// UDP appends an Ethernet/IP/UDP frame.
func (b *Builder) UDP(ts time.Time, src, dst netip.AddrPort, payload []byte) *Builder {
	udp := &layers.UDP{SrcPort: layers.UDPPort(src.Port()), DstPort: layers.UDPPort(dst.Port())}
	eth, ip := networkLayers(src.Addr(), dst.Addr(), layers.IPProtocolUDP)
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		panic(err)
	}
	return b.Raw(ts, frameBytes(eth, ip, udp, gopacket.Payload(payload)), 0)
}

// TCP appends an Ethernet/IP/TCP segment with the given sequence number.
func (b *Builder) TCP(ts time.Time, src, dst netip.AddrPort, seq uint32, flags Flag, payload []byte) *Builder {
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(src.Port()),
		DstPort: layers.TCPPort(dst.Port()),
		Seq:     seq,
		Window:  65535,
		SYN:     flags&SYN != 0,
		FIN:     flags&FIN != 0,
		RST:     flags&RST != 0,
		PSH:     flags&PSH != 0,
		ACK:     flags&ACK != 0,
	}
	if tcp.ACK {
		tcp.Ack = 1
	}
	eth, ip := networkLayers(src.Addr(), dst.Addr(), layers.IPProtocolTCP)
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		panic(err)
	}
	return b.Raw(ts, frameBytes(eth, ip, tcp, gopacket.Payload(payload)), 0)
}

// Fragments appends one UDP datagram split into IPv4 fragments carrying at
// most chunk bytes of L4 data each. chunk must be a multiple of 8.
func (b *Builder) Fragments(ts time.Time, src, dst netip.AddrPort, id uint16, chunk int, payload []byte) *Builder {
	if chunk <= 0 || chunk%8 != 0 {
		panic(fmt.Sprintf("capturetest: fragment chunk %d is not a positive multiple of 8", chunk))
	}
	eth, ip := networkLayers(src.Addr(), dst.Addr(), layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(src.Port()), DstPort: layers.UDPPort(dst.Port())}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		panic(err)
	}
	l4 := frameBytes(udp, gopacket.Payload(payload))

	for off := 0; off < len(l4); off += chunk {
		end := min(off+chunk, len(l4))
		frag := &layers.IPv4{
			Version:    4,
			IHL:        5,
			TTL:        64,
			Id:         id,
			Protocol:   layers.IPProtocolUDP,
			SrcIP:      ip.(*layers.IPv4).SrcIP,
			DstIP:      ip.(*layers.IPv4).DstIP,
			FragOffset: uint16(off / 8),
		}
		if end < len(l4) {
			frag.Flags = layers.IPv4MoreFragments
		}
		b.Raw(ts, frameBytes(eth, frag, gopacket.Payload(l4[off:end])), 0)
	}
	return b
}

// Raw appends arbitrary frame bytes. A non-zero origLen larger than len(data)
// marks the frame as cut by the snap length.
func (b *Builder) Raw(ts time.Time, data []byte, origLen int) *Builder {
	if origLen < len(data) {
		origLen = len(data)
	}
	b.records = append(b.records, record{
		ci: gopacket.CaptureInfo{
			Timestamp:     ts,
			CaptureLength: len(data),
			Length:        origLen,
		},
		data: data,
	})
	return b
}

// AddInterface declares another pcapng interface with link type lt and
// returns its index. Interface 0 is always Ethernet.
func (b *Builder) AddInterface(lt layers.LinkType) int {
	b.ifaces = append(b.ifaces, lt)
	return len(b.ifaces)
}

// RawOn appends frame bytes captured on pcapng interface iface.
func (b *Builder) RawOn(ts time.Time, iface int, data []byte) *Builder {
	b.records = append(b.records, record{
		ci: gopacket.CaptureInfo{
			Timestamp:      ts,
			CaptureLength:  len(data),
			Length:         len(data),
			InterfaceIndex: iface,
		},
		data: data,
	})
	return b
}

// Truncate drops n bytes from the end of the rendered file.
func (b *Builder) Truncate(n int) *Builder {
	b.truncate = n
	return b
}

// Pcap renders the frames as a classic little-endian pcap file.
func (b *Builder) Pcap() []byte {
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	if err := w.WriteFileHeader(snaplen, layers.LinkTypeEthernet); err != nil {
		panic(err)
	}
	for _, r := range b.records {
		if err := w.WritePacket(r.ci, r.data); err != nil {
			panic(err)
		}
	}
	return b.cut(buf.Bytes())
}

// PcapNG renders the frames as a pcapng file. Interface 0 is Ethernet.
func (b *Builder) PcapNG() []byte {
	var buf bytes.Buffer
	w, err := pcapgo.NewNgWriter(&buf, layers.LinkTypeEthernet)
	if err != nil {
		panic(err)
	}
	for _, lt := range b.ifaces {
		intf := pcapgo.DefaultNgInterface
		intf.LinkType = lt
		if _, err := w.AddInterface(intf); err != nil {
			panic(err)
		}
	}
	for _, r := range b.records {
		if err := w.WritePacket(r.ci, r.data); err != nil {
			panic(err)
		}
	}
	if err := w.Flush(); err != nil {
		panic(err)
	}
	return b.cut(buf.Bytes())
}

// WriteFile renders a pcap file into a temp dir owned by t and returns its path.
func (b *Builder) WriteFile(t testing.TB, name string) string {
	t.Helper()
	return WriteBytes(t, name, b.Pcap())
}

// WriteBytes writes data to name inside t.TempDir and returns the path.
func WriteBytes(t testing.TB, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write capture %s: %v", path, err)
	}
	return path
}

func (b *Builder) cut(data []byte) []byte {
	if b.truncate <= 0 {
		return data
	}
	if b.truncate >= len(data) {
		return nil
	}
	return data[:len(data)-b.truncate]
}

type networkLayer interface {
	gopacket.NetworkLayer
	gopacket.SerializableLayer
}

func networkLayers(src, dst netip.Addr, proto layers.IPProtocol) (*layers.Ethernet, networkLayer) {
	eth := &layers.Ethernet{SrcMAC: localMAC, DstMAC: remoteMAC}
	if src.Is4() {
		eth.EthernetType = layers.EthernetTypeIPv4
		return eth, &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: proto,
			SrcIP:    net.IP(src.AsSlice()),
			DstIP:    net.IP(dst.AsSlice()),
		}
	}
	eth.EthernetType = layers.EthernetTypeIPv6
	return eth, &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: proto,
		SrcIP:      net.IP(src.AsSlice()),
		DstIP:      net.IP(dst.AsSlice()),
	}
}

func frameBytes(ls ...gopacket.SerializableLayer) []byte {
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serialize, ls...); err != nil {
		panic(err)
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out
}
