// Package milter runs the TCP milter listener: one connection per SMTP
// transaction, walking the wire protocol's command stream and consulting
// the policy accumulator to decide whether to continue, quarantine,
// tempfail or reject.
package milter

import (
	"bufio"
	"context"
	"net"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/reputation-net/node/internal/milter/policy"
	"github.com/reputation-net/node/internal/milter/wire"
	"github.com/reputation-net/node/internal/storage"
)

type Server struct {
	addr       string
	storage    *storage.Storage
	resolver   policy.Resolver
	rules      policy.RuleSet
	severities map[string]policy.Severity
	log        *logrus.Entry
}

// NewServer builds a milter listener scoring connections with rules and
// severities. Pass policy.DefaultRuleSet() and policy.DefaultSeverities()
// for the node's out-of-the-box behavior.
func NewServer(addr string, store *storage.Storage, resolver policy.Resolver, rules policy.RuleSet, severities map[string]policy.Severity, log *logrus.Logger) *Server {
	return &Server{addr: addr, storage: store, resolver: resolver, rules: rules, severities: severities, log: log.WithField("component", "milter")}
}

// Serve blocks accepting connections until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.log.WithField("addr", s.addr).Info("milter listener started")
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	c := &connection{
		r:           bufio.NewReader(conn),
		w:           bufio.NewWriter(conn),
		accumulator: policy.NewAccumulator(s.storage, s.resolver, s.rules, s.severities),
		log:         s.log.WithField("peer", conn.RemoteAddr().String()).WithField("conn_id", uuid.New().String()),
	}
	if err := c.run(ctx); err != nil {
		c.log.WithError(err).Debug("milter connection closed")
	}
}

type connection struct {
	r           *bufio.Reader
	w           *bufio.Writer
	accumulator *policy.Accumulator
	log         *logrus.Entry
}

func (c *connection) run(ctx context.Context) error {
	for {
		cmd, err := wire.ReadCommand(c.r)
		if err != nil {
			return err
		}
		if done, err := c.handle(ctx, cmd); err != nil || done {
			return err
		}
	}
}

func (c *connection) handle(ctx context.Context, cmd wire.Command) (done bool, err error) {
	switch cmd.Kind {
	case wire.CmdOptneg:
		c.accumulator.Reset()
		resp := wire.OptnegResponse(min32(cmd.Optneg.Version, wire.MilterVersion), cmd.Optneg.Actions&wire.ActionQuarantine, 0)
		return false, c.writeResponse(resp)
	case wire.CmdMacro:
		c.accumulator.SetMacros(cmd.Macro.NameVal)
		return false, nil
	case wire.CmdConnect:
		c.accumulator.Connect(ctx, cmd.Connect.Hostname, cmd.Connect.Address)
		return false, c.writeResponse(wire.ContinueResponse())
	case wire.CmdHelo:
		c.accumulator.Helo(ctx, cmd.Helo.Helo)
		return false, c.writeResponse(wire.ContinueResponse())
	case wire.CmdMail:
		if len(cmd.Mail.Args) > 0 {
			c.accumulator.MailFrom(ctx, cmd.Mail.Args[0])
		}
		return false, c.writeResponse(wire.ContinueResponse())
	case wire.CmdRcpt:
		return false, c.writePolicyResponse()
	case wire.CmdHeader:
		c.accumulator.Header(ctx, cmd.Header.Name, cmd.Header.Value)
		return false, c.writeResponse(wire.ContinueResponse())
	case wire.CmdEoh:
		return false, c.writePolicyResponse()
	case wire.CmdBodyEob:
		c.accumulator.Reset()
		return false, c.writeResponse(wire.ContinueResponse())
	case wire.CmdQuit:
		return true, nil
	case wire.CmdAbort:
		c.accumulator.Reset()
		return false, nil
	default:
		return false, c.writeResponse(wire.ContinueResponse())
	}
}

func (c *connection) writeResponse(resp wire.Response) error {
	if err := wire.WriteResponse(c.w, resp); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *connection) writePolicyResponse() error {
	var resp wire.Response
	switch c.accumulator.Severity() {
	case policy.SeverityKnown:
		resp = wire.AcceptResponse()
	case policy.SeverityReject:
		resp = wire.ReplycodeResponse(554, c.accumulator.Reason())
	case policy.SeverityTempfail:
		resp = wire.ReplycodeResponse(457, c.accumulator.Reason())
	case policy.SeverityQuarantine:
		resp = wire.QuarantineResponse(c.accumulator.Reason())
	default:
		resp = wire.ContinueResponse()
	}
	return c.writeResponse(resp)
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
