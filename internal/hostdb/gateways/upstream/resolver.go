package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"github.com/haukened/rr-hostdb/internal/hostdb/common/utils"
	"github.com/haukened/rr-hostdb/internal/hostdb/domain"
	"github.com/haukened/rr-hostdb/internal/hostdb/services/coordinator"
)

const (
	errNoServersProvided = "no upstream DNS servers provided"
	errAllServersFailed  = "all %d upstream servers failed"
	errServerFailed      = "server %s: %w"
	errRcode             = "server %s answered %s"
)

// Exchanger sends one DNS message and returns the reply. *dns.Client
// satisfies it; tests inject their own.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error)
}

// Resolver answers hostdb queries by forwarding them to upstream DNS servers.
// Servers are tried in order, or all at once when Parallel is set.
type Resolver struct {
	servers  []string
	timeout  time.Duration
	parallel bool
	client   Exchanger
}

// Options configures the upstream resolver.
type Options struct {
	Servers  []string
	Timeout  time.Duration
	Parallel bool
	// Client is injectable for tests. Defaults to a UDP dns.Client.
	Client Exchanger
}

// NewResolver creates a resolver. It fails when no servers are configured.
func NewResolver(opts Options) (*Resolver, error) {
	if len(opts.Servers) == 0 {
		return nil, errors.New(errNoServersProvided)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &dns.Client{Net: "udp", Timeout: opts.Timeout}
	}
	return &Resolver{
		servers:  opts.Servers,
		timeout:  opts.Timeout,
		parallel: opts.Parallel,
		client:   opts.Client,
	}, nil
}

// ensureContextDeadline adds the resolver's default timeout when ctx has none.
func (r *Resolver) ensureContextDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok {
		return context.WithTimeout(ctx, r.timeout)
	}
	return ctx, nil
}

// Resolve looks q up upstream. Errors are *domain.ResolveError:
// NXDOMAIN is permanent, SERVFAIL and network errors are transient, and a
// deadline is a timeout.
func (r *Resolver) Resolve(ctx context.Context, q domain.Query) (domain.ResolvedSet, error) {
	msg, err := buildMessage(q)
	if err != nil {
		return domain.ResolvedSet{}, domain.NewResolveError(domain.ErrResolvePermanent, err)
	}

	ctx, cancel := r.ensureContextDeadline(ctx)
	if cancel != nil {
		defer cancel()
	}

	var reply *dns.Msg
	if r.parallel {
		reply, err = r.resolveParallel(ctx, msg)
	} else {
		reply, err = r.resolveSerial(ctx, msg)
	}
	if err != nil {
		return domain.ResolvedSet{}, err
	}
	return extract(q, reply), nil
}

func (r *Resolver) resolveSerial(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	var lastErr error
	for _, server := range r.servers {
		reply, err := r.queryServer(ctx, server, msg)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		// NXDOMAIN is an answer, not an outage; other servers would agree.
		if errors.Is(err, domain.ErrResolvePermanent) || ctx.Err() != nil {
			break
		}
	}
	return nil, wrapAll(len(r.servers), lastErr)
}

func (r *Resolver) resolveParallel(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		reply *dns.Msg
		err   error
	}
	results := make(chan result, len(r.servers))
	for _, server := range r.servers {
		go func(srv string) {
			reply, err := r.queryServer(ctx, srv, msg.Copy())
			results <- result{reply: reply, err: err}
		}(server)
	}

	var lastErr error
	for range r.servers {
		res := <-results
		if res.err == nil {
			return res.reply, nil
		}
		if lastErr == nil || errors.Is(res.err, domain.ErrResolvePermanent) {
			lastErr = res.err
		}
	}
	return nil, wrapAll(len(r.servers), lastErr)
}

// queryServer sends msg to one server and classifies the outcome.
func (r *Resolver) queryServer(ctx context.Context, server string, msg *dns.Msg) (*dns.Msg, error) {
	reply, _, err := r.client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, domain.NewResolveError(classify(ctx, err), fmt.Errorf(errServerFailed, server, err))
	}
	switch reply.Rcode {
	case dns.RcodeSuccess:
		return reply, nil
	case dns.RcodeNameError:
		return nil, domain.NewResolveError(domain.ErrResolvePermanent,
			fmt.Errorf(errRcode, server, dns.RcodeToString[reply.Rcode]))
	default:
		return nil, domain.NewResolveError(domain.ErrResolveTransient,
			fmt.Errorf(errRcode, server, dns.RcodeToString[reply.Rcode]))
	}
}

func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrResolveTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return domain.ErrResolveTimeout
	}
	return domain.ErrResolveTransient
}

// wrapAll keeps the last server's classification on the aggregate error.
func wrapAll(n int, last error) error {
	var re *domain.ResolveError
	if errors.As(last, &re) {
		return domain.NewResolveError(re.Kind, fmt.Errorf(errAllServersFailed+": %w", n, re.Err))
	}
	return domain.NewResolveError(domain.ErrResolveTransient, fmt.Errorf(errAllServersFailed+": %w", n, last))
}

func buildMessage(q domain.Query) (*dns.Msg, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	m := new(dns.Msg)
	switch q.Type {
	case domain.QueryTypeA:
		m.SetQuestion(dns.Fqdn(q.Name), dns.TypeA)
	case domain.QueryTypeAAAA:
		m.SetQuestion(dns.Fqdn(q.Name), dns.TypeAAAA)
	case domain.QueryTypeSRV:
		m.SetQuestion(dns.Fqdn(q.Name), dns.TypeSRV)
	case domain.QueryTypePTR:
		arpa, err := dns.ReverseAddr(q.Addr.String())
		if err != nil {
			return nil, err
		}
		m.SetQuestion(arpa, dns.TypePTR)
	}
	m.RecursionDesired = true
	return m, nil
}

// extract turns the answer section into endpoints. The TTL is the smallest
// one among the records used. SRV targets pick up addresses from the
// additional section when the server supplied them.
func extract(q domain.Query, reply *dns.Msg) domain.ResolvedSet {
	var (
		rs    domain.ResolvedSet
		first = true
	)
	use := func(hdr *dns.RR_Header) {
		if first || hdr.Ttl < rs.TTL {
			rs.TTL = hdr.Ttl
		}
		first = false
	}

	for _, rr := range reply.Answer {
		switch v := rr.(type) {
		case *dns.A:
			if q.Type != domain.QueryTypeA {
				continue
			}
			if addr, ok := netip.AddrFromSlice(v.A.To4()); ok {
				rs.Endpoints = append(rs.Endpoints, domain.Endpoint{Addr: addr})
				use(&v.Hdr)
			}
		case *dns.AAAA:
			if q.Type != domain.QueryTypeAAAA {
				continue
			}
			if addr, ok := netip.AddrFromSlice(v.AAAA.To16()); ok {
				rs.Endpoints = append(rs.Endpoints, domain.Endpoint{Addr: addr})
				use(&v.Hdr)
			}
		case *dns.SRV:
			if q.Type != domain.QueryTypeSRV {
				continue
			}
			rs.Endpoints = append(rs.Endpoints, domain.Endpoint{
				Name:     utils.CanonicalDNSName(v.Target),
				Port:     v.Port,
				Priority: v.Priority,
				Weight:   v.Weight,
			})
			use(&v.Hdr)
		case *dns.PTR:
			if q.Type != domain.QueryTypePTR {
				continue
			}
			rs.Endpoints = append(rs.Endpoints, domain.Endpoint{
				Addr: q.Addr,
				Name: utils.CanonicalDNSName(v.Ptr),
			})
			use(&v.Hdr)
		}
	}

	if q.Type == domain.QueryTypeSRV && len(reply.Extra) > 0 {
		glue := make(map[string]netip.Addr)
		for _, rr := range reply.Extra {
			switch v := rr.(type) {
			case *dns.A:
				if addr, ok := netip.AddrFromSlice(v.A.To4()); ok {
					glue[utils.CanonicalDNSName(v.Hdr.Name)] = addr
				}
			case *dns.AAAA:
				name := utils.CanonicalDNSName(v.Hdr.Name)
				if _, seen := glue[name]; seen {
					continue
				}
				if addr, ok := netip.AddrFromSlice(v.AAAA.To16()); ok {
					glue[name] = addr
				}
			}
		}
		for i := range rs.Endpoints {
			if addr, ok := glue[rs.Endpoints[i].Name]; ok {
				rs.Endpoints[i].Addr = addr
			}
		}
	}
	return rs
}

var _ coordinator.Resolver = (*Resolver)(nil)
