// Package tlscache implements the TLS Context Cache (spec.md §4.3):
// content-addressed reuse of parsed certificates across reloads, an
// SNI-to-cert index rebuilt from each published route.Snapshot, automatic
// provisioning for domains flagged auto_tls, and a configurable strict/
// lenient policy for an SNI that matches no bound domain.
package tlscache

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/acme/autocert"

	"github.com/zonblade/gwrs/internal/errors"
	"github.com/zonblade/gwrs/internal/route"
)

// Policy controls what happens when a ClientHello's SNI matches no bound
// domain for the proxy it arrived on.
type Policy int

const (
	// Strict rejects the handshake outright (spec.md §3 default).
	Strict Policy = iota
	// Lenient falls back to the proxy's first bound domain in SNI order,
	// the way a "default_server" virtual host would in a conventional
	// reverse proxy.
	Lenient
)

// CertInfo mirrors the metadata the teacher's ACME manager tracks per
// leaf certificate, surfaced here for /debug and telemetry consumers.
type CertInfo struct {
	SNI      string
	Issuer   string
	NotAfter time.Time
	DaysLeft int
}

type boundDomain struct {
	sni         string
	autoTLS     bool
	fingerprint uint64
}

// Cache is the TLS Context Cache. One Cache instance serves an entire
// process; Rebuild is called by the reconfiguration controller every time
// a new route.Snapshot publishes.
type Cache struct {
	certCacheDir string

	certs *lru.Cache[uint64, *tls.Certificate]

	mu         sync.RWMutex
	byProxySNI map[string]map[string]*boundDomain // proxy id -> sni -> domain
	acmeMgr    *autocert.Manager
	certInfo   map[string]*CertInfo // sni -> info, updated on handshake
}

// New creates a Cache. capacity bounds how many distinct (fingerprint ->
// parsed certificate) entries are retained across reloads; certCacheDir
// is where ACME-issued certificates persist (autocert.DirCache).
func New(capacity int, certCacheDir string) (*Cache, error) {
	if capacity <= 0 {
		capacity = 256
	}
	c, err := lru.New[uint64, *tls.Certificate](capacity)
	if err != nil {
		return nil, fmt.Errorf("tlscache: %w", err)
	}
	return &Cache{
		certCacheDir: certCacheDir,
		certs:        c,
		byProxySNI:   make(map[string]map[string]*boundDomain),
		certInfo:     make(map[string]*CertInfo),
	}, nil
}

// Fingerprint content-addresses a cert+key pair so identical material
// submitted across reloads reuses the same parsed tls.Certificate instead
// of re-parsing and re-validating the chain every time.
func Fingerprint(certPEM, certKey string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(certPEM)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(certKey)
	return h.Sum64()
}

// Rebuild re-derives the SNI index and ACME domain whitelist from snap. It
// never touches the running autocert.Manager's on-disk cache, so
// certificates already issued survive a reload unaffected.
func (c *Cache) Rebuild(snap *route.Snapshot) error {
	byProxySNI := make(map[string]map[string]*boundDomain)
	var autoDomains []string

	for proxyID, px := range snap.ByID {
		sniMap := make(map[string]*boundDomain, len(px.Domains))
		for _, d := range px.Domains {
			if !d.TLSEnabled {
				continue
			}
			sni := strings.ToLower(d.SNI)
			bd := &boundDomain{sni: sni, autoTLS: d.AutoTLS}
			if d.AutoTLS {
				autoDomains = append(autoDomains, sni)
			} else {
				fp := Fingerprint(d.CertPEM, d.CertKey)
				if _, ok := c.certs.Get(fp); !ok {
					cert, err := tls.X509KeyPair([]byte(d.CertPEM), []byte(d.CertKey))
					if err != nil {
						return fmt.Errorf("tlscache: parsing cert for sni %s: %w", d.SNI, err)
					}
					if len(cert.Certificate) > 0 {
						if leaf, err := x509.ParseCertificate(cert.Certificate[0]); err == nil {
							cert.Leaf = leaf
						}
					}
					c.certs.Add(fp, &cert)
				}
				bd.fingerprint = fp
			}
			sniMap[sni] = bd
		}
		byProxySNI[proxyID] = sniMap
	}

	c.mu.Lock()
	c.byProxySNI = byProxySNI
	if len(autoDomains) > 0 {
		sort.Strings(autoDomains)
		if c.acmeMgr == nil {
			c.acmeMgr = &autocert.Manager{
				Prompt:     autocert.AcceptTOS,
				Cache:      autocert.DirCache(c.certCacheDir),
				HostPolicy: autocert.HostWhitelist(autoDomains...),
			}
		} else {
			c.acmeMgr.HostPolicy = autocert.HostWhitelist(autoDomains...)
		}
	}
	c.mu.Unlock()
	return nil
}

// GetCertificateFunc returns a tls.Config.GetCertificate callback scoped to
// one proxy, applying policy on an SNI miss.
func (c *Cache) GetCertificateFunc(proxyID string, policy Policy) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		c.mu.RLock()
		sniMap := c.byProxySNI[proxyID]
		acmeMgr := c.acmeMgr
		c.mu.RUnlock()

		sni := strings.ToLower(hello.ServerName)
		bd, ok := sniMap[sni]
		if !ok {
			fallback, ok2 := c.fallbackDomain(proxyID, policy)
			if !ok2 {
				return nil, errors.ErrNoRouteMatched.WithCause(fmt.Errorf("no tls domain bound for sni %q on proxy %s", sni, proxyID))
			}
			bd = fallback
		}

		if bd.autoTLS {
			if acmeMgr == nil {
				return nil, fmt.Errorf("tlscache: sni %s is auto_tls but no acme manager is configured", bd.sni)
			}
			cert, err := acmeMgr.GetCertificate(hello)
			if err == nil {
				c.trackCertInfo(bd.sni, cert)
			}
			return cert, err
		}

		cert, ok := c.certs.Get(bd.fingerprint)
		if !ok {
			return nil, fmt.Errorf("tlscache: fingerprint miss for sni %s", bd.sni)
		}
		c.trackCertInfo(bd.sni, cert)
		return cert, nil
	}
}

// fallbackDomain implements the strict/lenient SNI-miss policy: strict
// never falls back, lenient picks the proxy's alphabetically-first bound
// domain so there is always *some* certificate to present.
func (c *Cache) fallbackDomain(proxyID string, policy Policy) (*boundDomain, bool) {
	if policy == Strict {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	sniMap := c.byProxySNI[proxyID]
	if len(sniMap) == 0 {
		return nil, false
	}
	names := make([]string, 0, len(sniMap))
	for sni := range sniMap {
		names = append(names, sni)
	}
	sort.Strings(names)
	return sniMap[names[0]], true
}

func (c *Cache) trackCertInfo(sni string, cert *tls.Certificate) {
	if cert == nil || cert.Leaf == nil {
		return
	}
	info := &CertInfo{
		SNI:      sni,
		Issuer:   cert.Leaf.Issuer.CommonName,
		NotAfter: cert.Leaf.NotAfter,
		DaysLeft: int(time.Until(cert.Leaf.NotAfter).Hours() / 24),
	}
	c.mu.Lock()
	c.certInfo[sni] = info
	c.mu.Unlock()
}

// CertStatus returns the last observed certificate metadata for sni, if
// any handshake has used it yet.
func (c *Cache) CertStatus(sni string) (*CertInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.certInfo[sni]
	return info, ok
}

// HTTPHandler returns the ACME HTTP-01 challenge handler for wiring into a
// plain-HTTP listener (mirroring the teacher's StartHTTPChallenge path), or
// fallback itself if no domain has requested auto_tls yet.
func (c *Cache) HTTPHandler(fallback http.Handler) http.Handler {
	c.mu.RLock()
	mgr := c.acmeMgr
	c.mu.RUnlock()
	if mgr == nil {
		return fallback
	}
	return mgr.HTTPHandler(fallback)
}
