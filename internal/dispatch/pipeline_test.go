package dispatch

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/debashish-mukherjee/go-snmpbridge/internal/notifier"
	"github.com/debashish-mukherjee/go-snmpbridge/internal/pbuf"
	"github.com/debashish-mukherjee/go-snmpbridge/internal/slots"
	"github.com/debashish-mukherjee/go-snmpbridge/internal/transport"
)

type delivery struct {
	payload []byte
	from    transport.Addr
	role    transport.Role
}

func TestPipelineDeliversBackToBackDatagrams(t *testing.T) {
	socks, err := transport.OpenSockets(context.Background(), transport.SocketConfig{Listen: "127.0.0.1"})
	if err != nil {
		t.Fatalf("OpenSockets: %v", err)
	}
	defer socks.Close()

	pool, err := slots.NewPool(2, 512, slots.PolicyOverwrite, nil)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	delivered := make(chan delivery, 4)
	d := New(pool, EngineFunc(func(buf *pbuf.Buffer, from transport.Addr, token transport.Token) {
		delivered <- delivery{
			payload: append([]byte(nil), buf.Bytes()...),
			from:    from,
			role:    token.Role(),
		}
	}), nil)

	n, err := notifier.New(pool, socks, d.Ready, notifier.Options{PollInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("notifier.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); n.Run(ctx) }()
	go func() { defer wg.Done(); d.Run(ctx) }()
	defer func() {
		cancel()
		wg.Wait()
	}()

	client, err := net.DialUDP("udp4", nil, socks.Agent.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	want, err := transport.AddrFrom(client.LocalAddr().(*net.UDPAddr).AddrPort())
	if err != nil {
		t.Fatalf("AddrFrom: %v", err)
	}

	for _, tc := range []struct {
		size int
		fill byte
	}{
		{48, 'a'},
		{12, 'b'},
	} {
		payload := bytes.Repeat([]byte{tc.fill}, tc.size)
		if _, err := client.Write(payload); err != nil {
			t.Fatalf("write: %v", err)
		}

		select {
		case got := <-delivered:
			if !bytes.Equal(got.payload, payload) {
				t.Fatalf("engine got %d bytes %q, want %d bytes of %q", len(got.payload), got.payload, tc.size, tc.fill)
			}
			if got.from != want {
				t.Fatalf("from = %s, want %s", got.from, want)
			}
			if got.role != transport.RoleAgent {
				t.Fatalf("token role = %s, want agent", got.role)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no engine invocation for %d-byte datagram", tc.size)
		}
	}

	select {
	case extra := <-delivered:
		t.Fatalf("unexpected third invocation with %d bytes", len(extra.payload))
	case <-time.After(50 * time.Millisecond):
	}
}
