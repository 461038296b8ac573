// Package capture reads pre-recorded captures (pcap and pcapng) frame by frame.
package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/ridereplay/internal/core"
)

// Container formats understood by the reader.
const (
	FormatPcap   = "pcap"
	FormatPcapNG = "pcapng"
)

const (
	pcapHeaderLen     = 24
	pcapVersionMajor  = 2
	readerBufferBytes = 64 << 10

	ngSectionHeader  = 0x0a0d0d0a
	ngByteOrderMagic = 0x1a2b3c4d
	ngMinBlockLen    = 12
)

// Frame is one raw link-layer record read from a capture.
type Frame struct {
	Index          uint64 // Ordinal of the record in the file, starting at 0
	Data           []byte
	Timestamp      time.Time
	CaptureLen     uint32 // Bytes present in Data
	OrigLen        uint32 // Length of the frame on the wire
	InterfaceIndex int
	LinkType       layers.LinkType
}

// Truncated reports whether the frame was cut by the capture snap length.
func (f Frame) Truncated() bool { return f.CaptureLen < f.OrigLen }

// Stats counts what a reader has produced so far.
type Stats struct {
	Frames uint64
	Bytes  uint64
}

type packetSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Reader is a lazy, forward-only, single-pass sequence of frames. It is not
// safe for concurrent use.
type Reader struct {
	path     string
	format   string
	file     *os.File
	size     int64
	in       *sourceReader
	src      packetSource
	linkType layers.LinkType
	index    uint64
	stats    Stats
	err      error // Sticky terminal condition
}

// Open validates the container header at path and returns a reader positioned
// at the first frame. It fails with core.ErrNotFound when path is not a
// readable regular file and with core.ErrFormat when the header is invalid.
func Open(path string) (*Reader, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", core.ErrNotFound, path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", core.ErrNotFound, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", core.ErrNotFound, path, err)
	}

	r, err := newReader(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.file = f
	r.size = info.Size()
	return r, nil
}

func newReader(in io.Reader, path string) (*Reader, error) {
	r := &Reader{path: path, in: &sourceReader{r: in}}
	br := bufio.NewReaderSize(r.in, readerBufferBytes)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: missing container header", core.ErrFormat, path)
	}

	switch {
	case isPcapMagic(magic):
		hdr, err := br.Peek(pcapHeaderLen)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: short pcap header", core.ErrFormat, path)
		}
		if major := pcapVersion(hdr); major != pcapVersionMajor {
			return nil, fmt.Errorf("%w: %s: unsupported pcap version %d", core.ErrFormat, path, major)
		}
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", core.ErrFormat, path, err)
		}
		r.src = pr
		r.format = FormatPcap
		r.linkType = pr.LinkType()
	case isPcapNGMagic(magic):
		// Interfaces may declare different link types, so each frame carries
		// its own.
		nr, err := pcapgo.NewNgReader(br, pcapgo.NgReaderOptions{WantMixedLinkType: true})
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", core.ErrFormat, path, err)
		}
		r.src = nr
		r.format = FormatPcapNG
	default:
		return nil, fmt.Errorf("%w: %s: unknown magic %x", core.ErrFormat, path, magic)
	}
	return r, nil
}

// Next returns the next frame. It returns io.EOF at a clean end of capture and
// an error wrapping core.ErrIncompleteCapture when the final record is
// truncated or corrupt; frames returned before either remain valid. Once Next
// fails it keeps returning the same error.
func (r *Reader) Next() (Frame, error) {
	if r.err != nil {
		return Frame{}, r.err
	}

	data, ci, err := r.src.ReadPacketData()
	if err != nil {
		r.err = r.classify(err, ci, data)
		return Frame{}, r.err
	}

	frame := Frame{
		Index:          r.index,
		Data:           data,
		Timestamp:      ci.Timestamp,
		CaptureLen:     uint32(ci.CaptureLength),
		OrigLen:        uint32(ci.Length),
		InterfaceIndex: ci.InterfaceIndex,
		LinkType:       r.linkType,
	}
	if len(ci.AncillaryData) > 0 {
		if lt, ok := ci.AncillaryData[0].(layers.LinkType); ok {
			frame.LinkType = lt
			r.linkType = lt
		}
	}
	r.index++
	r.stats.Frames++
	r.stats.Bytes += uint64(len(data))
	return frame, nil
}

// classify maps a read failure to io.EOF, ErrUnreadable or
// ErrIncompleteCapture. data and ci are what the failed read returned.
func (r *Reader) classify(err error, ci gopacket.CaptureInfo, data []byte) error {
	if r.in.err != nil {
		return fmt.Errorf("%w: %s: %v", core.ErrUnreadable, r.path, r.in.err)
	}
	if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: corrupt record after frame %d: %v", core.ErrIncompleteCapture, r.index, err)
	}

	truncated := errors.Is(err, io.ErrUnexpectedEOF)
	switch r.format {
	case FormatPcap:
		// A record header read in full leaves a non-zero length behind.
		truncated = truncated || ci.CaptureLength > 0 || data != nil
	case FormatPcapNG:
		// pcapgo reports every short block read as io.EOF.
		truncated = truncated || (r.file != nil && !ngComplete(r.file, r.size))
	}
	if truncated {
		return fmt.Errorf("%w: truncated record after frame %d", core.ErrIncompleteCapture, r.index)
	}
	return io.EOF
}

// Format returns FormatPcap or FormatPcapNG.
func (r *Reader) Format() string { return r.format }

// LinkType returns the link type declared by a pcap header. For pcapng it is
// the link type of the last frame read.
func (r *Reader) LinkType() layers.LinkType { return r.linkType }

// Stats returns counts of frames read so far.
func (r *Reader) Stats() Stats { return r.stats }

// Close releases the underlying file.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	if r.err == nil {
		r.err = io.EOF
	}
	return err
}

func isPcapMagic(b []byte) bool {
	switch binary.BigEndian.Uint32(b) {
	case 0xa1b2c3d4, 0xd4c3b2a1, 0xa1b23c4d, 0x4d3cb2a1:
		return true
	}
	return false
}

func isPcapNGMagic(b []byte) bool {
	return binary.BigEndian.Uint32(b) == ngSectionHeader
}

// pcapVersion returns the major version in the byte order the magic declares.
func pcapVersion(hdr []byte) uint16 {
	switch binary.BigEndian.Uint32(hdr) {
	case 0xa1b2c3d4, 0xa1b23c4d:
		return binary.BigEndian.Uint16(hdr[4:6])
	default:
		return binary.LittleEndian.Uint16(hdr[4:6])
	}
}

// ngComplete reports whether the pcapng blocks in ra tile exactly size bytes.
func ngComplete(ra io.ReaderAt, size int64) bool {
	var hdr [ngMinBlockLen]byte
	var order binary.ByteOrder = binary.LittleEndian
	for off := int64(0); off < size; {
		if size-off < ngMinBlockLen {
			return false
		}
		if _, err := ra.ReadAt(hdr[:], off); err != nil {
			return false
		}
		// The section header type reads the same in both byte orders.
		if binary.LittleEndian.Uint32(hdr[0:4]) == ngSectionHeader {
			switch {
			case binary.BigEndian.Uint32(hdr[8:12]) == ngByteOrderMagic:
				order = binary.BigEndian
			case binary.LittleEndian.Uint32(hdr[8:12]) == ngByteOrderMagic:
				order = binary.LittleEndian
			default:
				return false
			}
		}
		n := int64(order.Uint32(hdr[4:8]))
		if n < ngMinBlockLen || n%4 != 0 || off+n > size {
			return false
		}
		off += n
	}
	return true
}

// sourceReader keeps the first non-EOF read error so an I/O failure is not
// taken for a damaged capture.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF && s.err == nil {
		s.err = err
	}
	return n, err
}
