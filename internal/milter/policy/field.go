// Package policy is the milter's reputation-graph lookup layer: it turns
// SMTP-visible tokens (connecting IP, HELO, envelope addresses, selected
// headers) into DNS-aware FieldValue chains and queries storage for
// statements about each.
package policy

import (
	"context"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/miekg/dns"
)

// FieldValueKind tags a FieldValue's underlying token shape, which
// determines what lookup selectors (.a, .mx, .domain, …) are valid on it.
type FieldValueKind int

const (
	FieldStr FieldValueKind = iota
	FieldDomain
	FieldMail
	FieldUrl
	FieldIPv4
	FieldIPv6
	FieldHeader
)

// FieldValue is one node in a lookup chain: a raw token plus the kind
// that was inferred (or asserted) for it.
type FieldValue struct {
	Kind FieldValueKind
	Data string
}

func Str(s string) FieldValue     { return FieldValue{Kind: FieldStr, Data: s} }
func DomainV(s string) FieldValue { return FieldValue{Kind: FieldDomain, Data: s} }
func MailV(s string) FieldValue   { return FieldValue{Kind: FieldMail, Data: s} }
func HeaderV(s string) FieldValue { return FieldValue{Kind: FieldHeader, Data: s} }

func (f FieldValue) String() string { return f.Data }

// Resolver is the DNS lookup surface a Lookup needs; a DNSResolver (a
// *dns.Client paired with the configured upstream server address) in
// production, or a fake in tests.
type Resolver interface {
	LookupA(ctx context.Context, name string) ([]string, error)
	LookupAAAA(ctx context.Context, name string) ([]string, error)
	LookupMX(ctx context.Context, name string) ([]string, error)
	LookupNS(ctx context.Context, name string) ([]string, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupPTR(ctx context.Context, addr string) ([]string, error)
}

// DNSResolver is a Resolver backed by github.com/miekg/dns against a
// fixed upstream server address (host:port).
type DNSResolver struct {
	Client *dns.Client
	Server string
}

func NewDNSResolver(server string) *DNSResolver {
	return &DNSResolver{Client: new(dns.Client), Server: server}
}

func (r *DNSResolver) query(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	resp, _, err := r.Client.ExchangeContext(ctx, msg, r.Server)
	return resp, err
}

func (r *DNSResolver) LookupA(ctx context.Context, name string) ([]string, error) {
	resp, err := r.query(ctx, name, dns.TypeA)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			out = append(out, a.A.String())
		}
	}
	return out, nil
}

func (r *DNSResolver) LookupAAAA(ctx context.Context, name string) ([]string, error) {
	resp, err := r.query(ctx, name, dns.TypeAAAA)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.AAAA); ok {
			out = append(out, a.AAAA.String())
		}
	}
	return out, nil
}

func (r *DNSResolver) LookupMX(ctx context.Context, name string) ([]string, error) {
	resp, err := r.query(ctx, name, dns.TypeMX)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range resp.Answer {
		if mx, ok := rr.(*dns.MX); ok {
			out = append(out, strings.TrimSuffix(mx.Mx, "."))
		}
	}
	return out, nil
}

func (r *DNSResolver) LookupNS(ctx context.Context, name string) ([]string, error) {
	resp, err := r.query(ctx, name, dns.TypeNS)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range resp.Answer {
		if ns, ok := rr.(*dns.NS); ok {
			out = append(out, strings.TrimSuffix(ns.Ns, "."))
		}
	}
	return out, nil
}

func (r *DNSResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	resp, err := r.query(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	return out, nil
}

func (r *DNSResolver) LookupPTR(ctx context.Context, addr string) ([]string, error) {
	arpa, err := dns.ReverseAddr(addr)
	if err != nil {
		return nil, err
	}
	resp, err := r.query(ctx, strings.TrimSuffix(arpa, "."), dns.TypePTR)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			out = append(out, strings.TrimSuffix(ptr.Ptr, "."))
		}
	}
	return out, nil
}

// LookupPath resolves a dotted selector path (e.g. ".domain.mx.a") from
// fv, fanning out concurrently at each step and joining each level's
// results before expanding the next, mirroring the original's streaming
// per-segment join.
func LookupPath(ctx context.Context, resolver Resolver, fv FieldValue, path string) []FieldValue {
	if path == "" {
		return []FieldValue{fv}
	}
	path = strings.TrimPrefix(path, ".")
	frontier := []FieldValue{fv}
	for _, segment := range strings.Split(path, ".") {
		frontier = fanOut(ctx, resolver, frontier, segment)
		if len(frontier) == 0 {
			break
		}
	}
	return frontier
}

func fanOut(ctx context.Context, resolver Resolver, values []FieldValue, selector string) []FieldValue {
	var mu sync.Mutex
	var out []FieldValue
	var wg sync.WaitGroup
	for _, v := range values {
		wg.Add(1)
		go func(v FieldValue) {
			defer wg.Done()
			next := lookupOne(ctx, resolver, v, selector)
			mu.Lock()
			out = append(out, next...)
			mu.Unlock()
		}(v)
	}
	wg.Wait()
	return out
}

func lookupOne(ctx context.Context, resolver Resolver, fv FieldValue, selector string) []FieldValue {
	switch selector {
	case "domain":
		return fv.domain()
	case "localpart":
		return fv.localpart()
	case "cc":
		return fv.cc()
	case "a":
		names, err := resolver.LookupA(ctx, fv.Data)
		return dnsResults(err, names, FieldIPv4)
	case "aaaa":
		names, err := resolver.LookupAAAA(ctx, fv.Data)
		return dnsResults(err, names, FieldIPv6)
	case "mx":
		names, err := resolver.LookupMX(ctx, fv.Data)
		return dnsResults(err, names, FieldDomain)
	case "ns":
		names, err := resolver.LookupNS(ctx, fv.Data)
		return dnsResults(err, names, FieldDomain)
	case "txt":
		names, err := resolver.LookupTXT(ctx, fv.Data)
		return dnsResults(err, names, FieldStr)
	case "ptr":
		return fv.ptr(ctx, resolver)
	default:
		return nil
	}
}

func dnsResults(err error, vals []string, kind FieldValueKind) []FieldValue {
	if err != nil {
		return nil
	}
	out := make([]FieldValue, len(vals))
	for i, v := range vals {
		out[i] = FieldValue{Kind: kind, Data: v}
	}
	return out
}

func (fv FieldValue) domain() []FieldValue {
	switch fv.Kind {
	case FieldMail:
		if i := strings.LastIndexByte(fv.Data, '@'); i >= 0 {
			return []FieldValue{{Kind: FieldDomain, Data: fv.Data[i+1:]}}
		}
	case FieldUrl:
		if u, err := url.Parse(fv.Data); err == nil && u.Hostname() != "" {
			host := u.Hostname()
			if ip := net.ParseIP(host); ip != nil {
				if ip.To4() != nil {
					return FieldValue{Kind: FieldIPv4, Data: host}.ptr(context.Background(), nil)
				}
				return FieldValue{Kind: FieldIPv6, Data: host}.ptr(context.Background(), nil)
			}
			return []FieldValue{{Kind: FieldDomain, Data: host}}
		}
	}
	return nil
}

func (fv FieldValue) localpart() []FieldValue {
	if fv.Kind == FieldMail {
		if i := strings.LastIndexByte(fv.Data, '@'); i >= 0 {
			return []FieldValue{{Kind: FieldStr, Data: fv.Data[:i]}}
		}
	}
	return nil
}

// cc takes a domain's final 2-letter label, e.g. example.co.uk -> uk.
func (fv FieldValue) cc() []FieldValue {
	if fv.Kind != FieldDomain {
		return nil
	}
	labels := strings.Split(strings.TrimSuffix(fv.Data, "."), ".")
	last := labels[len(labels)-1]
	if len(last) != 2 {
		return nil
	}
	return []FieldValue{{Kind: FieldStr, Data: last}}
}

func (fv FieldValue) ptr(ctx context.Context, resolver Resolver) []FieldValue {
	if resolver == nil || (fv.Kind != FieldIPv4 && fv.Kind != FieldIPv6) {
		return nil
	}
	names, err := resolver.LookupPTR(ctx, fv.Data)
	return dnsResults(err, names, FieldDomain)
}

// unwrapSRS0 reverses an SRS0 rewrite, `SRS0[+=]…=<domain>=<localpart>@<outer>`,
// back to `localpart@domain`, returning ok=false if s is not SRS0-shaped.
func unwrapSRS0(s string) (string, bool) {
	i := strings.LastIndexByte(s, '@')
	if i < 0 {
		return "", false
	}
	local, outer := s[:i], s[i+1:]
	_ = outer
	if !strings.HasPrefix(local, "SRS0") || len(local) < 5 {
		return "", false
	}
	if local[4] != '+' && local[4] != '=' {
		return "", false
	}
	parts := strings.SplitN(local[5:], "=", 3)
	if len(parts) != 3 {
		return "", false
	}
	domain, localpart := parts[1], parts[2]
	return localpart + "@" + domain, true
}

// stripBrackets removes a surrounding <…> from an SMTP envelope address.
func stripBrackets(s string) string {
	if strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") && len(s) >= 2 {
		return s[1 : len(s)-1]
	}
	return s
}
