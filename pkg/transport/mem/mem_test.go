package mem

import (
    "bytes"
    "testing"

    "lxmesh/pkg/identity"
    "lxmesh/pkg/transport"
)

func newIdentity(t *testing.T) *identity.Identity {
    t.Helper()
    id, err := identity.Generate()
    if err != nil {
        t.Fatalf("generate: %v", err)
    }
    return id
}

func TestPacketDeliveryAndProof(t *testing.T) {
    m := New()
    bob := newIdentity(t)
    in, err := m.InDestination(bob, "lxmf", "delivery")
    if err != nil {
        t.Fatalf("in destination: %v", err)
    }

    var got []byte
    var inboundPkt transport.Packet
    in.SetPacketCallback(func(data []byte, pkt transport.Packet) {
        got = data
        inboundPkt = pkt
    })
    m.AddPath(in.Hash(), 1)

    out, err := m.OutDestination(bob, "lxmf", "delivery")
    if err != nil {
        t.Fatalf("out destination: %v", err)
    }
    receipt, err := m.NewPacket(out, []byte("ping")).Send()
    if err != nil {
        t.Fatalf("send: %v", err)
    }
    if string(got) != "ping" {
        t.Fatalf("delivered data = %q", got)
    }

    proved := false
    receipt.SetDeliveryCallback(func(transport.Receipt) { proved = true })
    inboundPkt.Prove()
    if !proved {
        t.Fatalf("proof did not reach the sender")
    }
    inboundPkt.Prove()
}

func TestSendWithoutPathFails(t *testing.T) {
    m := New()
    bob := newIdentity(t)
    in, err := m.InDestination(bob, "lxmf", "delivery")
    if err != nil {
        t.Fatalf("in destination: %v", err)
    }
    in.SetPacketCallback(func([]byte, transport.Packet) {})

    out, _ := m.OutDestination(bob, "lxmf", "delivery")
    if _, err := m.NewPacket(out, []byte("x")).Send(); err != ErrNoPath {
        t.Fatalf("send error = %v, want ErrNoPath", err)
    }
}

func TestLinkLifecycle(t *testing.T) {
    m := New()
    bob := newIdentity(t)
    in, err := m.InDestination(bob, "lxmf", "delivery")
    if err != nil {
        t.Fatalf("in destination: %v", err)
    }
    var accepted transport.Link
    in.SetLinkEstablishedCallback(func(l transport.Link) { accepted = l })

    established := false
    link, err := m.NewLink(in, func(transport.Link) { established = true }, nil)
    if err != nil {
        t.Fatalf("new link: %v", err)
    }
    if link.Status() != transport.LinkPending {
        t.Fatalf("status = %v, want pending", link.Status())
    }
    if _, err := link.NewPacket([]byte("early")).Send(); err != ErrLinkNotActive {
        t.Fatalf("send on pending link error = %v, want ErrLinkNotActive", err)
    }

    m.EstablishAll()
    if link.Status() != transport.LinkActive || !established {
        t.Fatalf("link did not activate")
    }
    if accepted == nil {
        t.Fatalf("acceptor never saw the link")
    }

    var got []byte
    accepted.SetPacketCallback(func(data []byte, _ transport.Packet) { got = data })
    if _, err := link.NewPacket([]byte("over link")).Send(); err != nil {
        t.Fatalf("link send: %v", err)
    }
    if string(got) != "over link" {
        t.Fatalf("link delivery = %q", got)
    }

    link.Teardown()
    if link.Status() != transport.LinkClosed || accepted.Status() != transport.LinkClosed {
        t.Fatalf("teardown did not close both ends")
    }
}

func TestDeferredResourceConclusion(t *testing.T) {
    m := New()
    m.DeferConclusions = true
    bob := newIdentity(t)
    in, err := m.InDestination(bob, "lxmf", "delivery")
    if err != nil {
        t.Fatalf("in destination: %v", err)
    }
    var accepted transport.Link
    in.SetLinkEstablishedCallback(func(l transport.Link) { accepted = l })

    link, err := m.NewLink(in, nil, nil)
    if err != nil {
        t.Fatalf("new link: %v", err)
    }
    m.EstablishAll()

    var remote transport.Resource
    accepted.SetResourceConcludedCallback(func(r transport.Resource) { remote = r })

    concluded := false
    payload := bytes.Repeat([]byte("r"), 600)
    res, err := link.SendResource(payload, func(transport.Resource) { concluded = true })
    if err != nil {
        t.Fatalf("send resource: %v", err)
    }
    if concluded || remote != nil {
        t.Fatalf("conclusion fired before ConcludeAll")
    }

    m.ConcludeAll()
    if !concluded || remote == nil {
        t.Fatalf("conclusion did not fire")
    }
    if res.Status() != transport.ResourceComplete {
        t.Fatalf("status = %v, want complete", res.Status())
    }
    if !bytes.Equal(remote.Data(), payload) {
        t.Fatalf("remote resource data mismatch")
    }
    if !bytes.Equal(remote.Hash(), res.Hash()) {
        t.Fatalf("resource hash mismatch between ends")
    }
}

func TestIdentifyOverLink(t *testing.T) {
    m := New()
    bob := newIdentity(t)
    alice := newIdentity(t)
    in, err := m.InDestination(bob, "lxmf", "propagation")
    if err != nil {
        t.Fatalf("in destination: %v", err)
    }
    var accepted transport.Link
    in.SetLinkEstablishedCallback(func(l transport.Link) { accepted = l })

    link, err := m.NewLink(in, nil, nil)
    if err != nil {
        t.Fatalf("new link: %v", err)
    }
    m.EstablishAll()

    if accepted.RemoteIdentity() != nil {
        t.Fatalf("identity known before Identify")
    }
    link.Identify(alice)
    got := accepted.RemoteIdentity()
    if got == nil || !bytes.Equal(got.Hash(), alice.Hash()) {
        t.Fatalf("identified identity mismatch")
    }
}
