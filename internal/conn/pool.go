package conn

import (
	"math/rand"
	"net"
	"strings"

	"github.com/danmuck/edgebus/internal/transport"
)

type endpoint struct {
	transport.Endpoint
}

type pool struct {
	list    []*endpoint
	current *endpoint
}

func newPool(servers []string, randomize bool, rng *rand.Rand) (*pool, error) {
	p := &pool{}
	for _, raw := range servers {
		ep, err := transport.ParseEndpoint(raw)
		if err != nil {
			return nil, err
		}
		if p.find(ep.Host) != nil {
			continue
		}
		p.list = append(p.list, &endpoint{Endpoint: ep})
	}
	if randomize && len(p.list) > 1 {
		rng.Shuffle(len(p.list), func(i, j int) { p.list[i], p.list[j] = p.list[j], p.list[i] })
	}
	return p, nil
}

func (p *pool) find(host string) *endpoint {
	for _, e := range p.list {
		if e.Host == host {
			return e
		}
	}
	return nil
}

// order returns the endpoints to try, with the current one last.
func (p *pool) order() []*endpoint {
	out := make([]*endpoint, 0, len(p.list))
	var cur *endpoint
	for _, e := range p.list {
		if e == p.current {
			cur = e
			continue
		}
		out = append(out, e)
	}
	if cur != nil {
		out = append(out, cur)
	}
	return out
}

func (p *pool) remove(target *endpoint) {
	for i, e := range p.list {
		if e == target {
			p.list = append(p.list[:i], p.list[i+1:]...)
			return
		}
	}
}

// merge adds advertised connect_urls, inheriting the scheme of the current
// endpoint. It returns the raw URLs that were new.
func (p *pool) merge(urls []string) []string {
	scheme := transport.SchemeNATS
	if p.current != nil {
		scheme = p.current.Scheme
	}
	var added []string
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		raw := u
		if !strings.Contains(raw, "://") {
			if _, _, err := net.SplitHostPort(raw); err != nil {
				continue
			}
			raw = scheme + "://" + raw
		}
		ep, err := transport.ParseEndpoint(raw)
		if err != nil || p.find(ep.Host) != nil {
			continue
		}
		p.list = append(p.list, &endpoint{Endpoint: ep})
		added = append(added, raw)
	}
	return added
}

func (p *pool) urls() []string {
	out := make([]string, 0, len(p.list))
	for _, e := range p.list {
		out = append(out, e.String())
	}
	return out
}
