// Package render turns the tenant roster and throttle state into packet
// filter rules and a shaper configuration. Nothing here touches the kernel.
package render

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/vesaa/trafficgov/internal/config"
	"github.com/vesaa/trafficgov/internal/enforce"
	"github.com/vesaa/trafficgov/internal/logging"
	"github.com/vesaa/trafficgov/internal/tenant"
)

// Mark ties an account to the packet mark its egress traffic carries.
type Mark struct {
	Account tenant.Account
	ID      int
}

// Options describe the host the rules are rendered for.
type Options struct {
	Uplink        string
	LinkSpeed     string
	LocalNetworks []netip.Prefix
	Bogons        []string
	VPNInterfaces []config.VPNInterface
	VPNPorts      []string // "udp/51820"
	Template      string
	Logger        *zap.Logger
}

// Renderer builds one enforcement snapshot.
type Renderer struct {
	opts   Options
	logger *zap.Logger
}

// New returns a Renderer for opts.
func New(opts Options) *Renderer {
	return &Renderer{opts: opts, logger: logging.OrNop(opts.Logger).Named("render")}
}

// Plan assigns mark ids 1, 2, 3... in the order given. A repeated account
// name keeps its first id.
func (r *Renderer) Plan(accounts []tenant.Account) []Mark {
	seen := make(map[string]bool, len(accounts))
	plan := make([]Mark, 0, len(accounts))
	for _, acct := range accounts {
		if seen[acct.Name] {
			continue
		}
		seen[acct.Name] = true
		plan = append(plan, Mark{Account: acct, ID: len(plan) + 1})
	}
	return plan
}

// AccountingRules mark each account's egress traffic, leaving traffic to
// local networks unmarked.
func (r *Renderer) AccountingRules(plan []Mark) []string {
	var rules []string
	for _, m := range plan {
		owner := fmt.Sprintf("-m owner --uid-owner %d", m.Account.UID)
		for _, lan := range r.opts.LocalNetworks {
			rules = append(rules, fmt.Sprintf("-A OUTPUT -d %s %s -j ACCEPT", lan, owner))
		}
		rules = append(rules,
			fmt.Sprintf("-A OUTPUT %s -j MARK --set-mark %d", owner, m.ID),
			fmt.Sprintf("-A OUTPUT %s -j ACCEPT", owner),
		)
	}
	for _, lan := range r.opts.LocalNetworks {
		rules = append(rules, fmt.Sprintf("-A OUTPUT -d %s -j ACCEPT", lan))
	}
	return rules
}

// FilterRules is the full filter table: network policy first, then accounting.
func (r *Renderer) FilterRules(plan []Mark) []string {
	var rules []string

	// SACK panic / slowness (CVE-2019-11477, CVE-2019-11478)
	rules = append(rules, "-A INPUT -p tcp -m tcpmss --mss 1:500 -j DROP")

	if r.opts.Uplink != "" {
		for _, bogon := range r.opts.Bogons {
			prefix, err := netip.ParsePrefix(strings.TrimSpace(bogon))
			if err != nil {
				r.logger.Warn("skipping bad bogon network", zap.String("network", bogon), zap.Error(err))
				continue
			}
			rules = append(rules, fmt.Sprintf("-A INPUT -i %s -s %s -j DROP", r.opts.Uplink, prefix))
		}
	}

	for _, spec := range r.opts.VPNPorts {
		proto, port, ok := parsePort(spec)
		if !ok {
			r.logger.Warn("skipping bad vpn port", zap.String("port", spec))
			continue
		}
		rules = append(rules, fmt.Sprintf("-A INPUT -p %s --dport %d -j ACCEPT", proto, port))
	}

	for _, vpn := range r.opts.VPNInterfaces {
		if r.opts.Uplink != "" {
			rules = append(rules,
				fmt.Sprintf("-A FORWARD -i %s -o %s -m state --state RELATED,ESTABLISHED -j ACCEPT", r.opts.Uplink, vpn.Name),
				fmt.Sprintf("-A FORWARD -i %s -o %s -j ACCEPT", vpn.Name, r.opts.Uplink),
			)
		}
		rules = append(rules, fmt.Sprintf("-A OUTPUT -o %s -j ACCEPT", vpn.Name))
	}

	return append(rules, r.AccountingRules(plan)...)
}

// NATRules masquerades each VPN subnet out of the uplink.
func (r *Renderer) NATRules() []string {
	if r.opts.Uplink == "" {
		return nil
	}
	var rules []string
	for _, vpn := range r.opts.VPNInterfaces {
		if vpn.Subnet == "" {
			continue
		}
		prefix, err := netip.ParsePrefix(vpn.Subnet)
		if err != nil {
			r.logger.Warn("skipping bad vpn subnet",
				zap.String("interface", vpn.Name),
				zap.String("subnet", vpn.Subnet),
				zap.Error(err),
			)
			continue
		}
		rules = append(rules, fmt.Sprintf("-A POSTROUTING -s %s -o %s -j MASQUERADE", prefix.Masked(), r.opts.Uplink))
	}
	return rules
}

// Ruleset bundles FilterRules and NATRules.
func (r *Renderer) Ruleset(plan []Mark) enforce.Ruleset {
	return enforce.Ruleset{Filter: r.FilterRules(plan), NAT: r.NATRules()}
}

// ShaperConfig fills the template. ceilings maps tenant name to the rate cap
// of every tenant currently throttled; everyone else is unrestricted.
func (r *Renderer) ShaperConfig(plan []Mark, ceilings map[string]string) string {
	lans := make([]string, 0, len(r.opts.LocalNetworks))
	for _, lan := range r.opts.LocalNetworks {
		lans = append(lans, lan.String())
	}

	var classes strings.Builder
	for _, m := range plan {
		fmt.Fprintf(&classes, "\tclass %s", className(m))
		if rate, ok := ceilings[m.Account.Name]; ok {
			fmt.Fprintf(&classes, " ceil %s", rate)
		}
		fmt.Fprintf(&classes, "\n\t\tmatch mark %d\n", m.ID)
	}

	return strings.NewReplacer(
		"%UPLINK%", r.opts.Uplink,
		"%LINK_SPEED%", r.opts.LinkSpeed,
		"%LOCAL_NETWORKS%", strings.Join(lans, " "),
		"%TENANT_CLASSES%", strings.TrimSuffix(classes.String(), "\n"),
	).Replace(r.opts.Template)
}

var classUnsafe = regexp.MustCompile(`[^a-z0-9_]`)

// className is unique per plan: the mark id disambiguates names that
// sanitize to the same string.
func className(m Mark) string {
	return fmt.Sprintf("t%d_%s", m.ID, classUnsafe.ReplaceAllString(m.Account.Name, "_"))
}

func parsePort(spec string) (string, int, bool) {
	proto, portStr, ok := strings.Cut(strings.TrimSpace(spec), "/")
	if !ok || (proto != "udp" && proto != "tcp") {
		return "", 0, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, false
	}
	return proto, port, true
}
