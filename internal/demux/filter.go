package demux

import (
	"fmt"

	"golang.org/x/net/bpf"
)

// Ethernet/IPv4 offsets used by the prefilter program.
const (
	offEtherType = 12
	offIPv4Flags = 20
	offIPv4IHL   = 14
	offIPv4Proto = 23
	offSrcPort   = 14 // relative to X = IPv4 header length
	offDstPort   = 16
	offPortsEnd  = 18

	minEtherFrame = 14
	minIPv4Frame  = minEtherFrame + 20
	minIPv4Header = 20

	acceptAll = 0x40000
)

// portFilter is a classic BPF program evaluated in the pure-Go VM. It drops
// Ethernet/IPv4 frames whose UDP or TCP ports are not monitored. Non-IPv4
// frames, IPv4 fragments with a non-zero offset and frames too short to hold
// the ports are accepted so the decoder can deal with them.
type portFilter struct {
	vm *bpf.VM
}

func newPortFilter(udpPorts, tcpPorts []uint16) (*portFilter, error) {
	prog, err := buildPortProgram(udpPorts, tcpPorts)
	if err != nil {
		return nil, err
	}
	vm, err := bpf.NewVM(prog)
	if err != nil {
		return nil, fmt.Errorf("load port filter: %w", err)
	}
	return &portFilter{vm: vm}, nil
}

func (f *portFilter) accept(frame []byte) bool {
	n, err := f.vm.Run(frame)
	return err == nil && n > 0
}

func buildPortProgram(udpPorts, tcpPorts []uint16) ([]bpf.Instruction, error) {
	p := newProgram()
	p.emit(bpf.LoadExtension{Num: bpf.ExtLen})
	p.jumpIf(bpf.JumpLessThan, minEtherFrame, "accept", "")
	p.emit(bpf.LoadAbsolute{Off: offEtherType, Size: 2})
	p.jumpIf(bpf.JumpEqual, 0x0800, "", "accept")
	p.emit(bpf.LoadExtension{Num: bpf.ExtLen})
	p.jumpIf(bpf.JumpLessThan, minIPv4Frame, "accept", "")
	p.emit(bpf.LoadAbsolute{Off: offIPv4Flags, Size: 2})
	p.jumpIf(bpf.JumpBitsSet, 0x1fff, "accept", "")
	p.emit(bpf.LoadMemShift{Off: offIPv4IHL})

	// Bad header lengths and frames ending before the ports go to the decoder.
	p.emit(bpf.TXA{})
	p.jumpIf(bpf.JumpLessThan, minIPv4Header, "accept", "")
	p.emit(bpf.ALUOpConstant{Op: bpf.ALUOpAdd, Val: offPortsEnd})
	p.emit(bpf.TAX{})
	p.emit(bpf.LoadExtension{Num: bpf.ExtLen})
	p.jumpIfX(bpf.JumpLessThan, "accept", "")
	p.emit(bpf.TXA{})
	p.emit(bpf.ALUOpConstant{Op: bpf.ALUOpSub, Val: offPortsEnd})
	p.emit(bpf.TAX{})
	p.emit(bpf.LoadAbsolute{Off: offIPv4Proto, Size: 1})
	p.jumpIf(bpf.JumpEqual, 17, "udp", "")
	p.jumpIf(bpf.JumpEqual, 6, "tcp", "drop")

	p.label("udp")
	p.portBlock(udpPorts)
	p.label("tcp")
	p.portBlock(tcpPorts)

	p.label("drop")
	p.emit(bpf.RetConstant{Val: 0})
	p.label("accept")
	p.emit(bpf.RetConstant{Val: acceptAll})
	return p.assemble()
}

// program is a tiny label assembler: jumps name their targets and are
// resolved to relative skips once every label is placed.
type program struct {
	ins    []bpf.Instruction
	labels map[string]int
	jumps  map[int][2]string // instruction index -> {true, false} targets; "" is fallthrough
}

func newProgram() *program {
	return &program{labels: make(map[string]int), jumps: make(map[int][2]string)}
}

func (p *program) emit(ins bpf.Instruction) { p.ins = append(p.ins, ins) }

func (p *program) label(name string) { p.labels[name] = len(p.ins) }

func (p *program) jumpIf(cond bpf.JumpTest, val uint32, onTrue, onFalse string) {
	p.jumps[len(p.ins)] = [2]string{onTrue, onFalse}
	p.emit(bpf.JumpIf{Cond: cond, Val: val})
}

func (p *program) jumpIfX(cond bpf.JumpTest, onTrue, onFalse string) {
	p.jumps[len(p.ins)] = [2]string{onTrue, onFalse}
	p.emit(bpf.JumpIfX{Cond: cond})
}

func (p *program) jump(to string) {
	p.jumps[len(p.ins)] = [2]string{to, ""}
	p.emit(bpf.Jump{})
}

// portBlock accepts when the source or destination port is in ports.
func (p *program) portBlock(ports []uint16) {
	for _, off := range []uint32{offSrcPort, offDstPort} {
		if len(ports) == 0 {
			break
		}
		p.emit(bpf.LoadIndirect{Off: off, Size: 2})
		for _, port := range ports {
			p.jumpIf(bpf.JumpEqual, uint32(port), "accept", "")
		}
	}
	p.jump("drop")
}

func (p *program) assemble() ([]bpf.Instruction, error) {
	out := make([]bpf.Instruction, len(p.ins))
	copy(out, p.ins)
	for at, targets := range p.jumps {
		skips := [2]int{}
		for i, name := range targets {
			if name == "" {
				continue
			}
			to, ok := p.labels[name]
			if !ok {
				return nil, fmt.Errorf("port filter: undefined label %q", name)
			}
			skips[i] = to - at - 1
			if skips[i] < 0 || skips[i] > 255 {
				return nil, fmt.Errorf("port filter: jump to %q out of range (%d)", name, skips[i])
			}
		}
		switch ins := out[at].(type) {
		case bpf.JumpIf:
			ins.SkipTrue, ins.SkipFalse = uint8(skips[0]), uint8(skips[1])
			out[at] = ins
		case bpf.JumpIfX:
			ins.SkipTrue, ins.SkipFalse = uint8(skips[0]), uint8(skips[1])
			out[at] = ins
		case bpf.Jump:
			ins.Skip = uint32(skips[0])
			out[at] = ins
		}
	}
	return out, nil
}
