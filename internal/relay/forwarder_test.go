package relay

import (
	"net"
	"testing"
	"time"

	"github.com/deb2000-sudo/dropshift/pkg/protocol"
)

func freeUDPAddr(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := conn.LocalAddr().String()
	conn.Close()
	return addr
}

func TestForwarderPassesThroughValidPacket(t *testing.T) {
	dst, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("listen dst: %v", err)
	}
	defer dst.Close()

	listen := freeUDPAddr(t)
	f, err := NewForwarder(listen, dst.LocalAddr().String(), "r1")
	if err != nil {
		t.Fatalf("NewForwarder: %v", err)
	}
	f.Start()
	defer f.Close()

	pkt := &protocol.Packet{Version: 1, Type: protocol.PacketTypeData, ChunkID: 1, Seq: 1, Payload: []byte("hello")}
	raw, err := protocol.SerializePacket(pkt)
	if err != nil {
		t.Fatalf("SerializePacket: %v", err)
	}

	src, err := net.Dial("udp", f.ListenAddr.String())
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer src.Close()
	if _, err := src.Write(raw); err != nil {
		t.Fatalf("write to relay: %v", err)
	}

	dst.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	n, _, err := dst.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read forwarded packet: %v", err)
	}
	got, err := protocol.DeserializePacket(buf[:n])
	if err != nil {
		t.Fatalf("DeserializePacket: %v", err)
	}
	if string(got.Payload) != "hello" {
		t.Fatalf("expected payload hello, got %q", got.Payload)
	}
}

func TestForwarderWithFECShardsPayload(t *testing.T) {
	dst, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("listen dst: %v", err)
	}
	defer dst.Close()

	listen := freeUDPAddr(t)
	f, err := NewForwarderWithFEC(listen, dst.LocalAddr().String(), "r1", 4, 2)
	if err != nil {
		t.Fatalf("NewForwarderWithFEC: %v", err)
	}
	f.Start()
	defer f.Close()

	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i)
	}
	pkt := &protocol.Packet{Version: 1, Type: protocol.PacketTypeData, ChunkID: 7, Seq: 3, Payload: payload}
	raw, err := protocol.SerializePacket(pkt)
	if err != nil {
		t.Fatalf("SerializePacket: %v", err)
	}

	src, err := net.Dial("udp", f.ListenAddr.String())
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer src.Close()
	if _, err := src.Write(raw); err != nil {
		t.Fatalf("write to relay: %v", err)
	}

	dst.SetReadDeadline(time.Now().Add(2 * time.Second))
	shardsSeen := 0
	buf := make([]byte, 2048)
	for shardsSeen < 6 {
		n, _, err := dst.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("read shard %d: %v", shardsSeen, err)
		}
		shardPkt, err := protocol.DeserializePacket(buf[:n])
		if err != nil {
			t.Fatalf("DeserializePacket shard %d: %v", shardsSeen, err)
		}
		if shardPkt.ChunkID != 7 {
			t.Fatalf("expected chunk id 7 on every shard, got %d", shardPkt.ChunkID)
		}
		if len(shardPkt.Payload) < 2 {
			t.Fatalf("shard payload missing header")
		}
		total := int(shardPkt.Payload[1])
		if total != 6 {
			t.Fatalf("expected 6 total shards, got %d", total)
		}
		shardsSeen++
	}
}
