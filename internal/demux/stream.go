package demux

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/google/gopacket/layers"

	"firestige.xyz/ridereplay/internal/core"
)

// streamKey identifies one direction of a TCP connection.
type streamKey struct {
	src, dst netip.AddrPort
}

// stream holds the unconsumed bytes of one direction. Segments are accepted
// strictly in sequence order; there is no out-of-order buffering.
type stream struct {
	prefix int // Length prefix size of the framing
	next   uint32
	buf    []byte
}

// feedSegment appends a TCP segment to its stream and cuts every complete
// length-prefixed message out of the buffer. template carries the payload
// header for messages completed by this segment.
func (d *Demux) feedSegment(template core.Payload, prefix int, tcp *layers.TCP) ([]core.Payload, error) {
	key := streamKey{src: template.Src, dst: template.Dst}
	s := d.streams[key]
	var errs []error

	if tcp.RST {
		if err := d.closeStream(key, s, "reset"); err != nil {
			return nil, err
		}
		return nil, nil
	}

	seq := tcp.Seq
	if tcp.SYN {
		if err := d.closeStream(key, s, "restarted by SYN"); err != nil {
			errs = append(errs, err)
		}
		seq++
		s = &stream{prefix: prefix, next: seq}
		d.streams[key] = s
	}
	if s == nil {
		// Mid-connection start: the first segment seen defines the sequence.
		s = &stream{prefix: prefix, next: seq}
		d.streams[key] = s
	}

	data := tcp.Payload
	if len(data) > 0 {
		switch diff := int32(seq - s.next); {
		case diff > 0:
			errs = append(errs, fmt.Errorf("%w: %s->%s: %d bytes missing before seq %d, discarded %d buffered bytes",
				core.ErrStreamOutOfOrder, key.src, key.dst, diff, seq, len(s.buf)))
			s.buf = nil
			s.next = seq
		case diff < 0:
			// Retransmission: keep only bytes past what the stream already has.
			if dup := int(-diff); dup >= len(data) {
				data = nil
			} else {
				data = data[dup:]
			}
		}
	}

	if len(data) > 0 {
		if len(s.buf)+len(data) > d.cfg.MaxStreamBuffer {
			errs = append(errs, fmt.Errorf("%w: %s->%s: stream buffer exceeds %d bytes",
				core.ErrMalformedPayload, key.src, key.dst, d.cfg.MaxStreamBuffer))
			s.buf = nil
			s.next = seq + uint32(len(tcp.Payload))
			data = nil
		} else {
			s.buf = append(s.buf, data...)
			s.next += uint32(len(data))
		}
	}

	msgs, err := s.extract(d.cfg.MaxMessageSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("%w: %s->%s", err, key.src, key.dst))
	}
	out := make([]core.Payload, 0, len(msgs))
	for _, m := range msgs {
		p := template
		p.Data = m
		out = append(out, p)
	}
	d.stats.Payloads += uint64(len(out))

	if tcp.FIN {
		if err := d.closeStream(key, s, "closed by FIN"); err != nil {
			errs = append(errs, err)
		}
	}
	return out, joinErrs(errs)
}

// closeStream forgets the stream and reports a partial message it held.
func (d *Demux) closeStream(key streamKey, s *stream, why string) error {
	if s == nil {
		return nil
	}
	delete(d.streams, key)
	if len(s.buf) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s->%s %s with %d unframed bytes",
		core.ErrIncompleteStream, key.src, key.dst, why, len(s.buf))
}

// extract removes complete messages from the front of the buffer. A declared
// length over limit resets the buffer.
func (s *stream) extract(limit int) ([][]byte, error) {
	var (
		out  [][]byte
		used int
	)
	for len(s.buf)-used >= s.prefix {
		n := s.declared(s.buf[used:])
		if n > limit {
			s.buf = nil
			return out, fmt.Errorf("%w: declared message length %d exceeds %d", core.ErrMalformedPayload, n, limit)
		}
		total := s.prefix + n
		if len(s.buf)-used < total {
			break
		}
		msg := make([]byte, total)
		copy(msg, s.buf[used:used+total])
		out = append(out, msg)
		used += total
	}
	switch {
	case used == len(s.buf):
		s.buf = nil
	case used > 0:
		s.buf = append([]byte(nil), s.buf[used:]...)
	}
	return out, nil
}

func (s *stream) declared(b []byte) int {
	if s.prefix == desktopPrefix {
		return int(binary.BigEndian.Uint16(b))
	}
	return int(binary.BigEndian.Uint32(b))
}
