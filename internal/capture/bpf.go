package capture

import (
	"fmt"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"

	"labcap/internal/core"
)

// CompileFilter compiles expr for linkType into a raw BPF program. Syntax
// errors are reported as core.ErrFilterRejected; this is an engine-side
// failure, not an input validation error.
func CompileFilter(linkType layers.LinkType, snapLen int, expr string) ([]bpf.RawInstruction, error) {
	pcapBpf, err := pcap.CompileBPFFilter(linkType, snapLen, expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", core.ErrFilterRejected, expr, err)
	}

	raw := make([]bpf.RawInstruction, len(pcapBpf))
	for i, ins := range pcapBpf {
		raw[i] = bpf.RawInstruction{Op: ins.Code, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	return raw, nil
}

func toPcapProgram(raw []bpf.RawInstruction) []pcap.BPFInstruction {
	out := make([]pcap.BPFInstruction, len(raw))
	for i, ins := range raw {
		out[i] = pcap.BPFInstruction{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	return out
}
