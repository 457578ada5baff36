package enforce

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Ruleset is a full replacement for the managed chains. Rules are in
// iptables-restore syntax ("-A CHAIN ...").
type Ruleset struct {
	Filter []string
	NAT    []string
}

// Enforcer installs rendered state into the packet filter and the shaper.
type Enforcer interface {
	ApplyAtomic(ctx context.Context, rs Ruleset) error
	ApplySequential(ctx context.Context, rs Ruleset) error
	LoadShaperConfig(ctx context.Context, text string) error
}

var (
	filterChains = []string{"INPUT", "FORWARD", "OUTPUT"}
	natChains    = []string{"PREROUTING", "INPUT", "OUTPUT", "POSTROUTING"}
)

// RestorePayload renders rs as one iptables-restore document. The nat table
// is omitted when there are no NAT rules.
func RestorePayload(rs Ruleset) string {
	var b strings.Builder
	writeTable(&b, "filter", filterChains, rs.Filter)
	if len(rs.NAT) > 0 {
		writeTable(&b, "nat", natChains, rs.NAT)
	}
	return b.String()
}

func writeTable(b *strings.Builder, table string, chains, rules []string) {
	fmt.Fprintf(b, "*%s\n", table)
	for _, chain := range chains {
		fmt.Fprintf(b, ":%s ACCEPT [0:0]\n", chain)
	}
	for _, rule := range rules {
		b.WriteString(rule)
		b.WriteByte('\n')
	}
	b.WriteString("COMMIT\n")
}

// Printer is an Enforcer that writes what would be applied to w.
type Printer struct {
	W io.Writer
}

func (p *Printer) ApplyAtomic(_ context.Context, rs Ruleset) error {
	_, err := io.WriteString(p.W, RestorePayload(rs))
	return err
}

func (p *Printer) ApplySequential(ctx context.Context, rs Ruleset) error {
	return p.ApplyAtomic(ctx, rs)
}

func (p *Printer) LoadShaperConfig(_ context.Context, text string) error {
	_, err := io.WriteString(p.W, text)
	return err
}
