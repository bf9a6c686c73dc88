package policy

import (
	"context"
	"fmt"
	"net"
	"net/mail"
	"regexp"
	"strings"

	"github.com/reputation-net/node/internal/model"
	"github.com/reputation-net/node/internal/storage"
)

// Severity is the accumulated verdict of every statement found about a
// connection, ordered least to most decisive.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityQuarantine
	SeverityTempfail
	SeverityReject
	SeverityKnown
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityQuarantine:
		return "quarantine"
	case SeverityTempfail:
		return "tempfail"
	case SeverityReject:
		return "reject"
	case SeverityKnown:
		return "known"
	default:
		return "unknown"
	}
}

func ParseSeverity(s string) Severity {
	switch s {
	case "quarantine":
		return SeverityQuarantine
	case "tempfail":
		return SeverityTempfail
	case "reject":
		return SeverityReject
	case "known":
		return SeverityKnown
	default:
		return SeverityNone
	}
}

// DefaultSeverities maps a statement name to the severity it
// contributes; unrecognized names contribute nothing. This is the
// out-of-the-box table; an operator's config.Policy.Severities
// supersedes it.
func DefaultSeverities() map[string]Severity {
	return map[string]Severity{
		"spammer":          SeverityReject,
		"exploited":        SeverityReject,
		"spammer_friendly": SeverityTempfail,
		"dynamic":          SeverityTempfail,
		"known":            SeverityKnown,
	}
}

// Location is where in the SMTP transaction a looked-up token came from.
type Location int

const (
	LocationConnect Location = iota
	LocationHelo
	LocationMailFrom
	LocationRcptTo
	LocationHeaderReceived
	LocationHeaderFrom
	LocationHeaderReplyTo
	LocationHeaderSender
)

func (l Location) String() string {
	switch l {
	case LocationConnect:
		return "Connect"
	case LocationHelo:
		return "Helo"
	case LocationMailFrom:
		return "MailFrom"
	case LocationRcptTo:
		return "RcptTo"
	case LocationHeaderReceived:
		return "HeaderReceived"
	case LocationHeaderFrom:
		return "HeaderFrom"
	case LocationHeaderReplyTo:
		return "HeaderReplyTo"
	case LocationHeaderSender:
		return "HeaderSender"
	default:
		return "Unknown"
	}
}

type located struct {
	location  Location
	statement model.Statement
	// origin is the raw field value originally presented at location
	// (e.g. the envelope address "spammer@x" for a MailFrom match),
	// before any `.domain`/`.mx`/… derivation step. Kept alongside the
	// listing entity so Reason() can name both when they differ.
	origin string
}

// Accumulator collects statements found while walking one SMTP
// transaction's connect/helo/envelope/header fields against a
// configured RuleSet, and derives the single severity verdict for it.
type Accumulator struct {
	storage    *storage.Storage
	resolver   Resolver
	rules      RuleSet
	severities map[string]Severity
	found      []located
	macros     map[string]string
	severity   Severity
}

// NewAccumulator builds an Accumulator evaluating rules against store,
// resolving DNS-derived lookup steps through resolver, and scoring
// matches with severities.
func NewAccumulator(store *storage.Storage, resolver Resolver, rules RuleSet, severities map[string]Severity) *Accumulator {
	return &Accumulator{storage: store, resolver: resolver, rules: rules, severities: severities}
}

// NewDefaultAccumulator builds an Accumulator using the node's
// out-of-the-box RuleSet and severity table.
func NewDefaultAccumulator(store *storage.Storage, resolver Resolver) *Accumulator {
	return NewAccumulator(store, resolver, DefaultRuleSet(), DefaultSeverities())
}

func (a *Accumulator) Reset() {
	a.found = nil
	a.macros = nil
	a.severity = SeverityNone
}

func (a *Accumulator) Severity() Severity { return a.severity }

// SetMacros merges a flat name,value,name,value,… list (the milter Macro
// command's payload shape) into the transaction's macro map.
func (a *Accumulator) SetMacros(pairs []string) {
	if a.macros == nil {
		a.macros = make(map[string]string, len(pairs)/2)
	}
	for i := 0; i+1 < len(pairs); i += 2 {
		a.macros[pairs[i]] = pairs[i+1]
	}
}

// Macro returns the value the MTA last announced for name, or "".
func (a *Accumulator) Macro(name string) string { return a.macros[name] }

func (a *Accumulator) severityOf(name string) Severity {
	return a.severities[name]
}

// Reason names the first matched statement whose own severity equals the
// accumulator's current verdict, including the listing entity when it
// differs from the matched entity itself — e.g. "mail from spammer@x,
// domain x listed as spammer_friendly" when the envelope address's
// domain, not the address itself, carries the listing.
func (a *Accumulator) Reason() string {
	for _, f := range a.found {
		if a.severityOf(f.statement.Name) == a.severity {
			var listingEntity model.Entity
			listing := ""
			if len(f.statement.Entities) > 0 {
				listingEntity = f.statement.Entities[0]
				listing = listingEntity.String()
			}
			if f.origin != "" && f.origin != listing {
				return fmt.Sprintf("%s %s, %s %s listed as %s", locationPhrase(f.location), f.origin, entityNoun(listingEntity), listing, f.statement.Name)
			}
			return fmt.Sprintf("%s %s, found in %s (%s)", listing, reasonPhrase(f.statement.Name), f.location.String(), f.statement.String())
		}
	}
	return ""
}

// locationPhrase gives a Location the verb phrase Reason()'s two-entity
// sentence form opens with, e.g. "mail from" for LocationMailFrom.
func locationPhrase(l Location) string {
	switch l {
	case LocationConnect:
		return "connect from"
	case LocationHelo:
		return "helo"
	case LocationMailFrom:
		return "mail from"
	case LocationRcptTo:
		return "rcpt to"
	case LocationHeaderReceived:
		return "header Received"
	case LocationHeaderFrom:
		return "header From"
	case LocationHeaderReplyTo:
		return "header Reply-To"
	case LocationHeaderSender:
		return "header Sender"
	default:
		return l.String()
	}
}

// entityNoun names the kind of entity e is, for the "domain x listed
// as ..." clause of Reason()'s two-entity sentence form.
func entityNoun(e model.Entity) string {
	if e == nil {
		return "entity"
	}
	switch e.Type() {
	case model.TypeDomain:
		return "domain"
	case model.TypeEMail:
		return "address"
	case model.TypeHashValue:
		return "hash"
	case model.TypeAS:
		return "AS"
	case model.TypeIPv4, model.TypeIPv6:
		return "address"
	case model.TypeSigner:
		return "signer"
	case model.TypeUrl:
		return "URL"
	case model.TypeTemplate:
		return "template"
	default:
		return "entity"
	}
}

// reasonPhrase gives a matched statement name a human sentence fragment
// for Reason(), e.g. "192.0.2.5 reported as spam source, found in Connect
// (spammer(192.0.2.5))".
func reasonPhrase(name string) string {
	switch name {
	case "spammer":
		return "reported as spam source"
	case "exploited":
		return "reported as exploited host"
	case "spammer_friendly":
		return "reported as spam-friendly network"
	case "dynamic":
		return "listed as dynamic address space"
	case "known":
		return "known as trustworthy"
	default:
		return "listed as " + name
	}
}

func (a *Accumulator) add(location Location, stmt model.Statement, origin string) {
	// The dynamic tag's severity is honored only at the connect stage;
	// elsewhere a stale DHCP-pool listing shouldn't tempfail mail that
	// already passed connect-time scrutiny.
	if stmt.Name == "dynamic" && location != LocationConnect {
		return
	}
	if sev := a.severityOf(stmt.Name); sev > a.severity {
		a.severity = sev
	}
	a.found = append(a.found, located{location: location, statement: stmt, origin: origin})
}

// evaluate runs every rule configured for stage against base, recording
// a match for each leaf value that satisfies its list specification.
// base.Data is carried along as each match's origin — the raw value
// originally presented at this location, before any field-path
// derivation — so Reason() can report both it and the listing entity
// when a rule's `.domain`/`.mx`/… step derived a different entity.
func (a *Accumulator) evaluate(ctx context.Context, location Location, stage string, base FieldValue) {
	for _, rule := range a.rules.rulesForStage(stage) {
		leaves := LookupPath(ctx, a.resolver, base, rule.FieldPath)
		for _, leaf := range leaves {
			ok, statements := a.rules.eval(ctx, a, leaf, rule.List)
			if !ok {
				continue
			}
			if len(statements) > 0 {
				for _, stmt := range statements {
					a.add(location, stmt, base.Data)
				}
				continue
			}
			name := rule.Name
			if name == "" {
				name = "listed"
			}
			entity, err := model.ParseEntity(leaf.Data)
			if err != nil {
				entity = model.NewDomain(leaf.Data)
			}
			a.add(location, model.NewStatement(name, entity), base.Data)
		}
	}
}

// classify infers a FieldValue's Kind from its raw textual shape: an IP
// literal, an address with an '@', or a bare domain/hostname.
func classify(token string) FieldValue {
	if ip := net.ParseIP(token); ip != nil {
		if ip.To4() != nil {
			return FieldValue{Kind: FieldIPv4, Data: token}
		}
		return FieldValue{Kind: FieldIPv6, Data: token}
	}
	if strings.ContainsRune(token, '@') {
		return FieldValue{Kind: FieldMail, Data: token}
	}
	return FieldValue{Kind: FieldDomain, Data: token}
}

func (a *Accumulator) Connect(ctx context.Context, hostname, address string) {
	if address != "" {
		a.evaluate(ctx, LocationConnect, "connect", classify(address))
	}
	if hostname != "" {
		a.evaluate(ctx, LocationConnect, "connect", classify(hostname))
	}
}

func (a *Accumulator) Helo(ctx context.Context, helo string) {
	helo = stripBrackets(helo)
	if helo == "" {
		return
	}
	a.evaluate(ctx, LocationHelo, "helo", classify(helo))
}

func (a *Accumulator) MailFrom(ctx context.Context, from string) {
	a.evaluateAddressAndSRS(ctx, LocationMailFrom, "mail", stripBrackets(from))
}

func (a *Accumulator) evaluateAddressAndSRS(ctx context.Context, location Location, stage, addr string) {
	if addr == "" {
		return
	}
	a.evaluate(ctx, location, stage, classify(addr))
	if unwrapped, ok := unwrapSRS0(addr); ok {
		a.evaluate(ctx, location, stage, classify(unwrapped))
	}
}

var traceAddrPattern = regexp.MustCompile(`[0-9]{1,3}(?:\.[0-9]{1,3}){3}|(?:[A-Za-z0-9][A-Za-z0-9-]*\.)+[A-Za-z]{2,}`)

// Header parses a single header line (already joined `name: value`) and
// dispatches address extraction for From/Sender/Reply-To, or loose
// regex-based a.b.c.d / dotted-domain extraction for trace headers.
func (a *Accumulator) Header(ctx context.Context, name, value string) {
	switch strings.ToLower(name) {
	case "from":
		a.headerAddresses(ctx, LocationHeaderFrom, value)
	case "sender":
		a.headerAddresses(ctx, LocationHeaderSender, value)
	case "reply-to":
		a.headerAddresses(ctx, LocationHeaderReplyTo, value)
	case "received", "arc-authentication-results", "x-ms-exchange-organization-authas":
		for _, token := range traceAddrPattern.FindAllString(value, -1) {
			a.evaluate(ctx, LocationHeaderReceived, "header", classify(token))
		}
	}
}

func (a *Accumulator) headerAddresses(ctx context.Context, location Location, value string) {
	addrs, err := mail.ParseAddressList(value)
	if err != nil {
		return
	}
	for _, addr := range addrs {
		a.evaluateAddressAndSRS(ctx, location, "header", addr.Address)
	}
}
