package orderer

import (
	"testing"

	"github.com/quantstream/tradestream-client/internal/wire"
)

func seqPacket(typ wire.PacketType, seq int64) wire.Packet {
	s := seq
	return wire.Packet{Type: typ, SequenceNumber: &s}
}

func TestFeedDeliversInOrder(t *testing.T) {
	//1.- Arrange an orderer with no prior state for the instance.
	o := New(Options{})
	instance := "A:0:h1"

	//2.- Feed the first in-order packet; expect immediate delivery.
	delivered := o.Feed(instance, seqPacket(wire.PacketAccountInformation, 1))
	if len(delivered) != 1 {
		t.Fatalf("expected 1 delivered packet, got %d", len(delivered))
	}

	//3.- Feed the next consecutive sequence; expect immediate delivery too.
	delivered = o.Feed(instance, seqPacket(wire.PacketPositions, 2))
	if len(delivered) != 1 {
		t.Fatalf("expected 1 delivered packet, got %d", len(delivered))
	}
}

func TestFeedReordersOutOfOrderArrivals(t *testing.T) {
	//1.- Arrange: establish expectedSeq=1 via a synchronizationStarted first packet that carries no synchronizationId.
	o := New(Options{})
	instance := "A:0:h1"
	o.Feed(instance, seqPacket(wire.PacketSynchronizationStarted, 1))

	//2.- Act: deliver seq 3 before seq 2 — scenario 3 from the spec.
	delivered := o.Feed(instance, seqPacket(wire.PacketOrders, 3))
	if len(delivered) != 0 {
		t.Fatalf("expected seq 3 to be buffered, got %d delivered", len(delivered))
	}

	delivered = o.Feed(instance, seqPacket(wire.PacketPositions, 2))
	if len(delivered) != 2 {
		t.Fatalf("expected positions(2) then orders(3) delivered together, got %d", len(delivered))
	}
	if delivered[0].Type != wire.PacketPositions || delivered[1].Type != wire.PacketOrders {
		t.Fatalf("expected [positions, orders] order, got [%s, %s]", delivered[0].Type, delivered[1].Type)
	}
}

func TestFeedDuplicateSequenceDeliversEveryTime(t *testing.T) {
	//1.- Arrange an established expected sequence.
	o := New(Options{})
	instance := "A:0:h1"
	o.Feed(instance, seqPacket(wire.PacketAccountInformation, 5))

	//2.- Act: redeliver the same sequence number twice.
	first := o.Feed(instance, seqPacket(wire.PacketAccountInformation, 5))
	second := o.Feed(instance, seqPacket(wire.PacketAccountInformation, 5))

	//3.- Assert neither delivery is dropped.
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected duplicate sequence delivered twice, got %d and %d", len(first), len(second))
	}
}

func TestFeedPassesThroughPacketsWithoutSequence(t *testing.T) {
	o := New(Options{})
	p := wire.Packet{Type: wire.PacketKeepalive}
	delivered := o.Feed("A:0:h1", p)
	if len(delivered) != 1 {
		t.Fatalf("expected pass-through delivery, got %d", len(delivered))
	}
}

func TestOnStreamClosedDropsState(t *testing.T) {
	o := New(Options{})
	instance := "A:0:h1"
	o.Feed(instance, seqPacket(wire.PacketAccountInformation, 1))
	o.OnStreamClosed(instance)

	o.mu.Lock()
	_, exists := o.states[instance]
	o.mu.Unlock()
	if exists {
		t.Fatalf("expected state to be dropped after stream closed")
	}
}

func TestOnReconnectedDropsMatchingAccounts(t *testing.T) {
	o := New(Options{})
	o.Feed("A:0:h1", seqPacket(wire.PacketAccountInformation, 1))
	o.Feed("B:0:h1", seqPacket(wire.PacketAccountInformation, 1))

	o.OnReconnected([]string{"A"})

	o.mu.Lock()
	_, aExists := o.states["A:0:h1"]
	_, bExists := o.states["B:0:h1"]
	o.mu.Unlock()
	if aExists {
		t.Fatalf("expected account A state to be dropped")
	}
	if !bExists {
		t.Fatalf("expected account B state to remain")
	}
}
