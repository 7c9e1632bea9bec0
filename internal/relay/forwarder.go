// Package relay implements the UDP relay path: an edge node that forwards
// dropshift datagrams between two peers that cannot reach each other
// directly. It is an optional accelerant alongside the TCP resume path
// (spec.md's Non-goals exclude NAT traversal design, not a plain forwarder);
// addresses are still assumed reachable from the relay's point of view.
package relay

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/deb2000-sudo/dropshift/internal/erasure"
	"github.com/deb2000-sudo/dropshift/internal/logging"
	"github.com/deb2000-sudo/dropshift/internal/telemetry"
	"github.com/deb2000-sudo/dropshift/pkg/protocol"
)

// Forwarder is a UDP packet forwarder used by edge relays. It validates
// each datagram as a dropshift relay packet before forwarding so a
// corrupted frame never reaches the far side, and it tracks throughput
// through a TelemetryCollector the same way a sender would.
type Forwarder struct {
	ListenAddr  *net.UDPAddr
	ForwardAddr *net.UDPAddr
	RelayID     string

	conn      *net.UDPConn
	closed    chan struct{}
	wg        sync.WaitGroup
	log       *logging.Logger
	telemetry *telemetry.TelemetryCollector
	fec       *erasure.ErasureCoder
}

// NewForwarder creates a new Forwarder with plain pass-through forwarding.
func NewForwarder(listen, forward, relayID string) (*Forwarder, error) {
	return newForwarder(listen, forward, relayID, nil)
}

// NewForwarderWithFEC creates a Forwarder that shards every forwarded
// packet's payload across dataShards+parityShards datagrams before
// sending, so the far side can drop up to parityShards shards per packet
// and still reconstruct it (spec.md's Non-goals exclude NAT traversal
// design, not transport hardening over the lossy relay hop).
func NewForwarderWithFEC(listen, forward, relayID string, dataShards, parityShards int) (*Forwarder, error) {
	fec, err := erasure.NewErasureCoder(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("relay: configure FEC: %w", err)
	}
	return newForwarder(listen, forward, relayID, fec)
}

func newForwarder(listen, forward, relayID string, fec *erasure.ErasureCoder) (*Forwarder, error) {
	laddr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, err
	}
	faddr, err := net.ResolveUDPAddr("udp", forward)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	return &Forwarder{
		ListenAddr:  laddr,
		ForwardAddr: faddr,
		RelayID:     relayID,
		conn:        conn,
		closed:      make(chan struct{}),
		log:         logging.New("").With("relay " + relayID),
		telemetry:   telemetry.NewTelemetryCollector(),
		fec:         fec,
	}, nil
}

// Start begins forwarding packets until Close is called.
func (f *Forwarder) Start() {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		buf := make([]byte, 64*1024+256)
		for {
			n, addr, err := f.conn.ReadFromUDP(buf)
			if err != nil {
				select {
				case <-f.closed:
					return
				default:
					f.log.Warnf("read error from %v: %v", addr, err)
					continue
				}
			}

			raw := make([]byte, n)
			copy(raw, buf[:n])

			pkt, err := protocol.DeserializePacket(raw)
			if err != nil {
				f.log.Warnf("dropping malformed packet from %v: %v", addr, err)
				continue
			}

			if f.fec == nil {
				if _, err := f.conn.WriteToUDP(raw, f.ForwardAddr); err != nil {
					f.log.Warnf("forward error to %v: %v", f.ForwardAddr, err)
					continue
				}
				f.telemetry.RecordBytesSent(n)
				continue
			}

			sent, err := f.forwardSharded(pkt)
			if err != nil {
				f.log.Warnf("shard/forward error: %v", err)
				continue
			}
			f.telemetry.RecordBytesSent(sent)
		}
	}()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				f.log.Infof("heartbeat: forwarding to %s, %.2f Mbps", f.ForwardAddr, f.telemetry.BandwidthMbps())
			case <-f.closed:
				return
			}
		}
	}()
}

// forwardSharded splits pkt's payload into FEC shards and forwards each as
// its own packet, with a 2-byte [shardIndex, totalShards] prefix so the
// far side can regroup and reconstruct before decoding. Returns the total
// bytes written to the forward address.
func (f *Forwarder) forwardSharded(pkt *protocol.Packet) (int, error) {
	shards, err := f.fec.Encode(pkt.Payload)
	if err != nil {
		return 0, fmt.Errorf("encode shards: %w", err)
	}

	total := 0
	for i, shard := range shards {
		shardPayload := make([]byte, 2+len(shard))
		shardPayload[0] = byte(i)
		shardPayload[1] = byte(len(shards))
		copy(shardPayload[2:], shard)

		shardPkt := &protocol.Packet{
			Version:   pkt.Version,
			Type:      pkt.Type,
			SessionID: pkt.SessionID,
			ChunkID:   pkt.ChunkID,
			Seq:       pkt.Seq,
			Priority:  pkt.Priority,
			Payload:   shardPayload,
		}
		raw, err := protocol.SerializePacket(shardPkt)
		if err != nil {
			return total, fmt.Errorf("serialize shard %d: %w", i, err)
		}
		n, err := f.conn.WriteToUDP(raw, f.ForwardAddr)
		if err != nil {
			return total, fmt.Errorf("write shard %d: %w", i, err)
		}
		total += n
	}
	return total, nil
}

// Close stops forwarding and closes the socket.
func (f *Forwarder) Close() error {
	close(f.closed)
	err := f.conn.Close()
	f.wg.Wait()
	return err
}
