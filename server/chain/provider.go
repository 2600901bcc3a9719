// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package chain

import (
	"math/rand"
	"sync"
	"time"
)

// maxFailCount is the number of consecutive failures after which a provider
// stays quarantined until it next succeeds.
const maxFailCount = 100

type provider struct {
	host     string
	endpoint string
	conn     Conn

	mtx       sync.Mutex
	failStamp time.Time
	failCount int
}

// setFailed should be called after a failed request. The provider is
// considered failed for the quarantine period.
func (p *provider) setFailed() {
	p.mtx.Lock()
	p.failStamp = time.Now()
	p.failCount++
	p.mtx.Unlock()
}

func (p *provider) setSucceeded() {
	p.mtx.Lock()
	p.failStamp = time.Time{}
	p.failCount = 0
	p.mtx.Unlock()
}

// failed will be true if setFailed has been called within the quarantine
// period.
func (p *provider) failed(quarantine time.Duration) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.failStamp.IsZero() {
		return false
	}
	return time.Since(p.failStamp) < quarantine || p.failCount > maxFailCount
}

// Selector chooses the order in which endpoints are tried for a call. It
// holds the endpoints in priority order and the index of the currently
// preferred endpoint, which is the last one that served a call successfully.
type Selector struct {
	random bool

	mtx       sync.Mutex
	providers []*provider
	preferred int
}

func newSelector(providers []*provider, random bool) *Selector {
	return &Selector{providers: providers, random: random}
}

// Preferred is the host of the preferred endpoint.
func (s *Selector) Preferred() string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if len(s.providers) == 0 {
		return ""
	}
	return s.providers[s.preferred].host
}

// order lists the providers to try, preferred first. Without the random
// option, the rest follow in priority order.
func (s *Selector) order() []*provider {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	n := len(s.providers)
	ps := make([]*provider, 0, n)
	if n == 0 {
		return ps
	}
	ps = append(ps, s.providers[s.preferred])
	for i, p := range s.providers {
		if i != s.preferred {
			ps = append(ps, p)
		}
	}
	if s.random {
		shuffleProviders(ps[1:])
	}
	return ps
}

// prefer marks the provider as preferred for subsequent calls.
func (s *Selector) prefer(p *provider) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for i, pp := range s.providers {
		if pp == p {
			s.preferred = i
			return
		}
	}
}

// demote moves preference off of a failed provider to the highest priority
// provider that is not quarantined.
func (s *Selector) demote(p *provider, quarantine time.Duration) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if len(s.providers) == 0 || s.providers[s.preferred] != p {
		return
	}
	for i, pp := range s.providers {
		if pp != p && !pp.failed(quarantine) {
			s.preferred = i
			return
		}
	}
}

func (s *Selector) list() []*provider {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	ps := make([]*provider, len(s.providers))
	copy(ps, s.providers)
	return ps
}

// shuffleProviders shuffles the provider slice in-place.
func shuffleProviders(p []*provider) {
	rand.Shuffle(len(p), func(i, j int) {
		p[i], p[j] = p[j], p[i]
	})
}
