// Package agent is the SNMP engine behind the dispatcher. It decodes
// requests with gosnmp, answers from a static tree and the callback registry,
// and originates traps through the outbound sender.
package agent

import (
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/debashish-mukherjee/go-snmpbridge/internal/callback"
	"github.com/debashish-mukherjee/go-snmpbridge/internal/config"
	"github.com/debashish-mukherjee/go-snmpbridge/internal/metrics"
	"github.com/debashish-mukherjee/go-snmpbridge/internal/pbuf"
	"github.com/debashish-mukherjee/go-snmpbridge/internal/transport"
	"github.com/gosnmp/gosnmp"
)

// ErrNoTrapSocket is returned by SendTrap before the trap socket is bound.
var ErrNoTrapSocket = errors.New("trap socket not bound")

// Options configure an Agent.
type Options struct {
	Community     string
	System        config.System
	Objects       []config.Object
	TrapCommunity string
	TrapTargets   []string

	Registry *callback.Registry
	Sender   *transport.Sender
	Metrics  *metrics.Metrics
}

// Agent answers SNMPv1/v2c requests. Receive is called only from the
// dispatcher goroutine; SendTrap may run concurrently with it.
type Agent struct {
	community     string
	trapCommunity string
	static        map[string]Value
	registry      *callback.Registry
	sender        *transport.Sender
	metrics       *metrics.Metrics
	decoder       *gosnmp.GoSNMP
	startTime     time.Time

	trapToken   transport.Token
	trapTargets []transport.Addr

	requestID atomic.Uint32
	pollCount atomic.Int64
	lastPoll  atomic.Int64
}

// New builds an agent. Trap targets are resolved to IPv4 addresses here.
func New(opts Options) (*Agent, error) {
	if opts.Sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if opts.Registry == nil {
		opts.Registry = callback.NewRegistry()
	}
	if opts.Community == "" {
		opts.Community = "public"
	}
	if opts.TrapCommunity == "" {
		opts.TrapCommunity = opts.Community
	}

	static, err := buildStaticTree(opts.System, opts.Objects)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		community:     opts.Community,
		trapCommunity: opts.TrapCommunity,
		static:        static,
		registry:      opts.Registry,
		sender:        opts.Sender,
		metrics:       opts.Metrics,
		decoder:       &gosnmp.GoSNMP{Version: gosnmp.Version2c},
		startTime:     time.Now(),
	}

	for _, t := range opts.TrapTargets {
		ua, err := net.ResolveUDPAddr("udp4", t)
		if err != nil {
			return nil, fmt.Errorf("resolve trap target %s: %w", t, err)
		}
		addr, err := transport.AddrFrom(ua.AddrPort())
		if err != nil {
			return nil, fmt.Errorf("trap target %s: %w", t, err)
		}
		a.trapTargets = append(a.trapTargets, addr)
	}
	return a, nil
}

// SetTrapToken binds the socket traps leave from.
func (a *Agent) SetTrapToken(t transport.Token) {
	a.trapToken = t
}

// Receive handles one datagram. Errors are logged and counted; nothing is
// reported to the caller.
func (a *Agent) Receive(buf *pbuf.Buffer, from transport.Addr, token transport.Token) {
	start := time.Now()
	count := a.pollCount.Add(1)
	a.lastPoll.Store(start.UnixNano())

	// Sample progress for high-volume pollers
	if count%1000 == 0 {
		log.Printf("Agent: received packet #%d", count)
	}

	req, err := a.decoder.SnmpDecodePacket(buf.Bytes())
	if err != nil {
		log.Printf("Dropping undecodable packet from %s: %v", from, err)
		a.metrics.RecordRejected("decode")
		return
	}
	if req.Version != gosnmp.Version1 && req.Version != gosnmp.Version2c {
		a.metrics.RecordRejected("version")
		return
	}
	if req.Community != a.community {
		log.Printf("Dropping request from %s: bad community", from)
		a.metrics.RecordRejected("community")
		return
	}

	resp := a.respond(req)
	if resp == nil {
		a.metrics.RecordRejected("pdu")
		return
	}

	data, err := resp.MarshalMsg()
	if err != nil {
		log.Printf("Failed to marshal response for %s: %v", from, err)
		a.metrics.RecordRejected("marshal")
		return
	}

	out := pbuf.Copy(data)
	defer pbuf.Free(out)
	if _, err := a.sender.SendTo(token, from, out); err != nil {
		log.Printf("Error sending response to %s: %v", from, err)
	}
	a.metrics.RecordRequest(pduName(req.PDUType), time.Since(start))
}

// respond builds the response PDU, or nil for PDUs an agent does not answer.
func (a *Agent) respond(req *gosnmp.SnmpPacket) *gosnmp.SnmpPacket {
	resp := &gosnmp.SnmpPacket{
		Version:   req.Version,
		Community: req.Community,
		PDUType:   gosnmp.GetResponse,
		RequestID: req.RequestID,
		Variables: req.Variables,
	}

	switch req.PDUType {
	case gosnmp.GetRequest:
		a.handleGet(req, resp)
	case gosnmp.GetNextRequest, gosnmp.GetBulkRequest:
		// No MIB walk here
		resp.Error = gosnmp.GenErr
		resp.ErrorIndex = 1
	case gosnmp.SetRequest:
		if req.Version == gosnmp.Version1 {
			resp.Error = gosnmp.ReadOnly
		} else {
			resp.Error = gosnmp.NotWritable
		}
		resp.ErrorIndex = 1
	default:
		return nil
	}
	return resp
}

// maxErrorIndex is the largest varbind position the error-index field can
// name on the wire.
const maxErrorIndex = 255

func (a *Agent) handleGet(req, resp *gosnmp.SnmpPacket) {
	if req.Version == gosnmp.Version1 && len(req.Variables) > maxErrorIndex {
		resp.Error = gosnmp.TooBig
		resp.ErrorIndex = 0
		resp.Variables = nil
		return
	}

	vars := make([]gosnmp.SnmpPDU, 0, len(req.Variables))
	for i, v := range req.Variables {
		val, err := a.Lookup(v.Name)
		if err != nil {
			if req.Version == gosnmp.Version1 {
				// v1 reports the first failing varbind and echoes the request
				resp.Error = gosnmp.NoSuchName
				resp.ErrorIndex = uint8(i + 1)
				resp.Variables = req.Variables
				return
			}
			val = Value{Type: gosnmp.NoSuchObject}
			if errors.Is(err, callback.ErrNoValue) {
				val = Value{Type: gosnmp.NoSuchInstance}
			}
		}
		vars = append(vars, gosnmp.SnmpPDU{Name: v.Name, Type: val.Type, Value: val.Value})
	}
	resp.Variables = vars
}

// Lookup resolves an OID against the static tree, then the callback
// registry. Registry misses return callback.ErrNotFound, matched handlers
// without a value callback.ErrNoValue.
func (a *Agent) Lookup(name string) (Value, error) {
	oid := strings.TrimPrefix(name, ".")
	if oid == oidSysUpTime {
		return Value{Type: gosnmp.TimeTicks, Value: uptimeTicks(a.startTime)}, nil
	}
	if v, ok := a.static[oid]; ok {
		return v, nil
	}

	n, err := a.registry.Dispatch(oid)
	switch {
	case err == nil:
		a.metrics.RecordCallback("hit")
		return Value{Type: gosnmp.Integer, Value: int(n)}, nil
	case errors.Is(err, callback.ErrNoValue):
		a.metrics.RecordCallback("no_value")
	default:
		a.metrics.RecordCallback("miss")
	}
	return Value{}, err
}

// SendTrap sends an SNMPv2-Trap to every target from the trap socket.
// sysUpTime.0 and snmpTrapOID.0 are prepended to vars.
func (a *Agent) SendTrap(trapOID string, vars []gosnmp.SnmpPDU) error {
	if !a.trapToken.Valid() {
		return ErrNoTrapSocket
	}
	if len(a.trapTargets) == 0 {
		return nil
	}

	var errs []error
	for _, target := range a.trapTargets {
		pdus := []gosnmp.SnmpPDU{
			{Name: "." + oidSysUpTime, Type: gosnmp.TimeTicks, Value: uptimeTicks(a.startTime)},
			{Name: "." + oidSnmpTrapOID, Type: gosnmp.ObjectIdentifier, Value: trapOID},
		}
		if ip, ok := transport.LocalIPFor(a.trapToken, target); ok {
			pdus = append(pdus, gosnmp.SnmpPDU{
				Name:  "." + oidSnmpTrapAddress,
				Type:  gosnmp.IPAddress,
				Value: net.IP(ip[:]).String(),
			})
		}
		pdus = append(pdus, vars...)

		pkt := &gosnmp.SnmpPacket{
			Version:   gosnmp.Version2c,
			Community: a.trapCommunity,
			PDUType:   gosnmp.SNMPv2Trap,
			RequestID: a.requestID.Add(1),
			Variables: pdus,
		}
		data, err := pkt.MarshalMsg()
		if err != nil {
			return fmt.Errorf("marshal trap %s: %w", trapOID, err)
		}

		buf := pbuf.Copy(data)
		_, err = a.sender.SendTo(a.trapToken, target, buf)
		pbuf.Free(buf)
		if err != nil {
			a.metrics.RecordTrap("failed")
			errs = append(errs, fmt.Errorf("send trap to %s: %w", target, err))
			continue
		}
		a.metrics.RecordTrap("sent")
	}
	return errors.Join(errs...)
}

// Statistics returns counters for the housekeeping log.
func (a *Agent) Statistics() map[string]interface{} {
	last := ""
	if ns := a.lastPoll.Load(); ns != 0 {
		last = time.Unix(0, ns).Format(time.RFC3339)
	}
	return map[string]interface{}{
		"uptime":       uint32(time.Since(a.startTime).Seconds()),
		"poll_count":   a.pollCount.Load(),
		"last_poll":    last,
		"static_oids":  len(a.static) + 1,
		"handlers":     a.registry.Len(),
		"trap_targets": len(a.trapTargets),
	}
}

func pduName(t gosnmp.PDUType) string {
	switch t {
	case gosnmp.GetRequest:
		return "get"
	case gosnmp.GetNextRequest:
		return "getnext"
	case gosnmp.GetBulkRequest:
		return "getbulk"
	case gosnmp.SetRequest:
		return "set"
	default:
		return "other"
	}
}
