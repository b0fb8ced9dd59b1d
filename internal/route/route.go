// Package route implements the hot-swappable routing table: building an
// immutable Snapshot from a RawSnapshot, and atomically publishing it so
// every forwarder reads a consistent view without ever blocking a writer.
//
// Reclamation is just Go's GC: a Snapshot has no explicit refcount. Every
// Live Connection holds a *Snapshot for its lifetime (spec.md §5), so the
// garbage collector frees a retired Snapshot exactly when the last
// connection referencing it (and the Table's own pointer) drops it —
// mirroring the teacher's content-addressed-cache lifetime management
// (internal/acme, internal/tlscache) without a manual refcount.
package route

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/zonblade/gwrs/internal/model"
	"github.com/zonblade/gwrs/internal/pattern"
)

// ErrorKind enumerates the BuildError kinds from spec.md §4.2.
type ErrorKind int

const (
	DanglingReference ErrorKind = iota
	BadPattern
	BadCertificate
	UnresolvableUpstream
	DuplicateListenAddr
)

// BuildError is returned by Build when a RawSnapshot fails validation. A
// build failure must never replace the previously published Snapshot.
type BuildError struct {
	Kind   ErrorKind
	ID     string // rule_id / sni / node_id / addr, depending on Kind
	Reason string
}

func (e *BuildError) Error() string {
	switch e.Kind {
	case DanglingReference:
		return fmt.Sprintf("dangling reference: %s", e.Reason)
	case BadPattern:
		return fmt.Sprintf("bad pattern on rule %s: %s", e.ID, e.Reason)
	case BadCertificate:
		return fmt.Sprintf("bad certificate for sni %s: %s", e.ID, e.Reason)
	case UnresolvableUpstream:
		return fmt.Sprintf("unresolvable upstream for node %s: %s", e.ID, e.Reason)
	case DuplicateListenAddr:
		return fmt.Sprintf("duplicate addr_listen: %s", e.ID)
	}
	return e.Reason
}

// CompiledRule is a gateway rule with its pattern matcher already compiled.
type CompiledRule struct {
	ID       string
	GwNodeID string
	Priority int
	Matcher  *pattern.Matcher
}

// CompiledNode is a gateway node with its upstream address resolved.
type CompiledNode struct {
	ID       string
	ProxyID  string
	DomainID string
	Upstream string // resolved host:port
}

// CompiledProxy is a Proxy plus everything the forwarder needs at request
// time: its ordered rule list, its TLS domains, and its node table.
type CompiledProxy struct {
	model.Proxy
	Domains []model.TLSDomain
	Rules   []CompiledRule           // sorted by (priority asc, id asc)
	Nodes   map[string]*CompiledNode // by gwnode id
}

// Snapshot is the immutable, versioned, frozen form of all configuration in
// effect (spec.md GLOSSARY).
type Snapshot struct {
	Version uint64
	// ByID indexes proxies by their entity id.
	ByID map[string]*CompiledProxy
	// ByAddr indexes proxies by addr_listen, for the listener manager's
	// diffing pass.
	ByAddr map[string]*CompiledProxy
}

// Resolver abstracts upstream address resolution so tests can avoid real
// DNS lookups. net.DefaultResolver-backed resolution is used in
// production (DefaultResolve).
type Resolver func(hostPort string) (string, error)

// DefaultResolve validates hostPort is host:port and, if host is not a
// literal IP, resolves it via net.LookupHost, picking the first address.
// Resolution runs on whatever goroutine calls Build — for the
// Reconfiguration Controller that's its own dedicated goroutine, never an
// accept loop, satisfying spec.md §5's "blocking operations run off the
// accept loop" rule without a separate worker pool abstraction.
func DefaultResolve(hostPort string) (string, error) {
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return "", err
	}
	if ip := net.ParseIP(host); ip != nil {
		return hostPort, nil
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no addresses for host %s", host)
	}
	return net.JoinHostPort(addrs[0], port), nil
}

// Build validates referential integrity, compiles every pattern, resolves
// every node's upstream address, groups rules per proxy sorted by
// (priority, id), and freezes the result. A non-nil BuildError means the
// caller must keep serving whatever Snapshot is already published.
func Build(raw *model.RawSnapshot, resolve Resolver) (*Snapshot, *BuildError) {
	if resolve == nil {
		resolve = DefaultResolve
	}

	proxies := make(map[string]*CompiledProxy, len(raw.Proxies))
	byAddr := make(map[string]*CompiledProxy, len(raw.Proxies))

	for i := range raw.Proxies {
		p := raw.Proxies[i]
		if existing, dup := byAddr[p.AddrListen]; dup {
			return nil, &BuildError{Kind: DuplicateListenAddr, ID: p.AddrListen,
				Reason: fmt.Sprintf("proxies %s and %s both bind %s", existing.ID, p.ID, p.AddrListen)}
		}
		cp := &CompiledProxy{Proxy: p, Nodes: make(map[string]*CompiledNode)}
		proxies[p.ID] = cp
		byAddr[p.AddrListen] = cp
	}

	for i := range raw.TLSDomains {
		d := raw.TLSDomains[i]
		cp, ok := proxies[d.ProxyID]
		if !ok {
			return nil, &BuildError{Kind: DanglingReference,
				Reason: fmt.Sprintf("tls domain %s references missing proxy %s", d.ID, d.ProxyID)}
		}
		if d.TLSEnabled && !d.AutoTLS {
			if err := validateCertMaterial(d.CertPEM, d.CertKey); err != nil {
				return nil, &BuildError{Kind: BadCertificate, ID: d.SNI, Reason: err.Error()}
			}
		}
		cp.Domains = append(cp.Domains, d)
	}

	for i := range raw.GatewayNodes {
		n := raw.GatewayNodes[i]
		cp, ok := proxies[n.ProxyID]
		if !ok {
			return nil, &BuildError{Kind: DanglingReference,
				Reason: fmt.Sprintf("gateway node %s references missing proxy %s", n.ID, n.ProxyID)}
		}
		upstream, err := resolve(n.AltTarget)
		if err != nil {
			return nil, &BuildError{Kind: UnresolvableUpstream, ID: n.ID, Reason: err.Error()}
		}
		cp.Nodes[n.ID] = &CompiledNode{ID: n.ID, ProxyID: n.ProxyID, DomainID: n.DomainID, Upstream: upstream}
	}

	// Rules are compiled per-proxy: find the node, then the node's proxy.
	nodeToProxy := make(map[string]string, len(raw.GatewayNodes))
	for i := range raw.GatewayNodes {
		nodeToProxy[raw.GatewayNodes[i].ID] = raw.GatewayNodes[i].ProxyID
	}

	rulesByProxy := make(map[string][]CompiledRule)
	for i := range raw.GatewayRules {
		r := raw.GatewayRules[i]
		proxyID, ok := nodeToProxy[r.GwNodeID]
		if !ok {
			return nil, &BuildError{Kind: DanglingReference,
				Reason: fmt.Sprintf("gateway rule %s references missing gateway node %s", r.ID, r.GwNodeID)}
		}
		m, err := pattern.Compile(r.Pattern, r.Target)
		if err != nil {
			return nil, &BuildError{Kind: BadPattern, ID: r.ID, Reason: err.Error()}
		}
		rulesByProxy[proxyID] = append(rulesByProxy[proxyID], CompiledRule{
			ID: r.ID, GwNodeID: r.GwNodeID, Priority: r.Priority, Matcher: m,
		})
	}

	for proxyID, rules := range rulesByProxy {
		sort.SliceStable(rules, func(i, j int) bool {
			if rules[i].Priority != rules[j].Priority {
				return rules[i].Priority < rules[j].Priority
			}
			return rules[i].ID < rules[j].ID
		})
		proxies[proxyID].Rules = rules
	}

	return &Snapshot{Version: raw.Version, ByID: proxies, ByAddr: byAddr}, nil
}

// validateCertMaterial checks the cert/key are present and at least
// structurally plausible PEM. Full parsing (and fingerprinting) happens in
// internal/tlscache, which actually needs the parsed chain; this is a
// cheap early reject so a typo'd cert never reaches a published Snapshot.
func validateCertMaterial(certPEM, keyPEM string) error {
	if strings.TrimSpace(certPEM) == "" {
		return fmt.Errorf("cert_pem is empty")
	}
	if strings.TrimSpace(keyPEM) == "" {
		return fmt.Errorf("cert_key is empty")
	}
	if !strings.Contains(certPEM, "-----BEGIN") {
		return fmt.Errorf("cert_pem does not look like PEM")
	}
	if !strings.Contains(keyPEM, "-----BEGIN") {
		return fmt.Errorf("cert_key does not look like PEM")
	}
	return nil
}

// MatchRule returns the first rule in (priority, id) order whose pattern
// matches path, along with the rendered target path. ok is false when no
// rule matches.
func (cp *CompiledProxy) MatchRule(path string) (rule *CompiledRule, rewritten string, ok bool) {
	for i := range cp.Rules {
		r := &cp.Rules[i]
		captures, matched := r.Matcher.Match(path)
		if matched {
			return r, r.Matcher.Render(captures), true
		}
	}
	return nil, "", false
}
