package agent

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/debashish-mukherjee/go-snmpbridge/internal/config"
	"github.com/gosnmp/gosnmp"
)

// MIB-II system group.
const (
	oidSysDescr    = "1.3.6.1.2.1.1.1.0"
	oidSysObjectID = "1.3.6.1.2.1.1.2.0"
	oidSysUpTime   = "1.3.6.1.2.1.1.3.0"
	oidSysContact  = "1.3.6.1.2.1.1.4.0"
	oidSysName     = "1.3.6.1.2.1.1.5.0"
	oidSysLocation = "1.3.6.1.2.1.1.6.0"

	oidSnmpTrapOID     = "1.3.6.1.6.3.1.1.4.1.0"
	oidSnmpTrapAddress = "1.3.6.1.6.3.18.1.3.0"

	// TrapColdStart is the SNMPv2-MIB coldStart notification.
	TrapColdStart = "1.3.6.1.6.3.1.1.5.1"
)

// Value is a typed SNMP value from the static tree.
type Value struct {
	Type  gosnmp.Asn1BER
	Value interface{}
}

// buildStaticTree turns the system group and configured objects into the
// engine's lookup table. sysUpTime is computed per request and not stored.
func buildStaticTree(sys config.System, objects []config.Object) (map[string]Value, error) {
	tree := map[string]Value{
		oidSysDescr:    {Type: gosnmp.OctetString, Value: sys.Descr},
		oidSysObjectID: {Type: gosnmp.ObjectIdentifier, Value: sys.ObjectID},
		oidSysContact:  {Type: gosnmp.OctetString, Value: sys.Contact},
		oidSysName:     {Type: gosnmp.OctetString, Value: sys.Name},
		oidSysLocation: {Type: gosnmp.OctetString, Value: sys.Location},
	}

	for _, o := range objects {
		v, err := parseValue(o.Type, o.Value)
		if err != nil {
			return nil, fmt.Errorf("object %s: %w", o.OID, err)
		}
		tree[o.OID] = v
	}
	return tree, nil
}

func parseValue(typ, raw string) (Value, error) {
	switch typ {
	case "integer", "int":
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Value{}, fmt.Errorf("invalid integer %q", raw)
		}
		return Value{Type: gosnmp.Integer, Value: n}, nil
	case "string", "octetstring":
		return Value{Type: gosnmp.OctetString, Value: raw}, nil
	case "oid", "objectidentifier":
		return Value{Type: gosnmp.ObjectIdentifier, Value: raw}, nil
	case "counter32", "gauge32", "timeticks":
		n, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return Value{}, fmt.Errorf("invalid %s %q", typ, raw)
		}
		t := map[string]gosnmp.Asn1BER{
			"counter32": gosnmp.Counter32,
			"gauge32":   gosnmp.Gauge32,
			"timeticks": gosnmp.TimeTicks,
		}[typ]
		return Value{Type: t, Value: uint32(n)}, nil
	case "counter64":
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid counter64 %q", raw)
		}
		return Value{Type: gosnmp.Counter64, Value: n}, nil
	case "ipaddress":
		if ip := net.ParseIP(raw); ip == nil || ip.To4() == nil {
			return Value{}, fmt.Errorf("invalid ipaddress %q", raw)
		}
		return Value{Type: gosnmp.IPAddress, Value: raw}, nil
	default:
		return Value{}, fmt.Errorf("unsupported type %q", typ)
	}
}

// uptimeTicks is hundredths of a second since start, wrapping at 2^32.
func uptimeTicks(start time.Time) uint32 {
	return uint32(time.Since(start) / (10 * time.Millisecond))
}
