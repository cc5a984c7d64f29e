package transport

import (
	"context"
	"net"
	"strings"
	"sync"

	"google.golang.org/grpc"

	"github.com/m2osw/cluckd/internal/wire"
)

// Server is the concrete Bus implementation: a grpc.Server accepting
// inbound Exchange streams from peers, plus a peer pool of outbound
// streams this node dials itself. Together they give every node a
// full-mesh connection to every other known node, matching the
// "communicator" collaborator of spec §1.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener

	mu    sync.Mutex
	peers map[string]*peer

	events  chan Event
	inbound chan InboundMessage

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer starts listening on addr and returns a ready Bus. Peers are
// added later via AddPeer (cmd/cluckd calls it for each -peers entry).
func NewServer(addr string) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		grpcServer: grpc.NewServer(),
		listener:   lis,
		peers:      make(map[string]*peer),
		events:     make(chan Event, 32),
		inbound:    make(chan InboundMessage, 256),
		ctx:        ctx,
		cancel:     cancel,
	}

	s.grpcServer.RegisterService(&serviceDesc, s)

	go func() {
		_ = s.grpcServer.Serve(lis)
	}()

	s.emit(Event{Kind: EventClusterUp})

	return s, nil
}

// Addr returns the bound local address, e.g. for announcing this node's
// identity string (spec §6.4).
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

func (s *Server) handleExchange(stream grpc.ServerStream) error {
	for {
		e := new(envelope)
		if err := stream.RecvMsg(e); err != nil {
			return err
		}
		// source is "<server>/<service>"; the server part is the peer name
		peerName, _, _ := strings.Cut(e.Source, "/")
		s.inbound <- InboundMessage{Peer: peerName, Message: fromEnvelope(e)}
	}
}

// AddPeer registers a new peer to dial and begins connecting to it.
func (s *Server) AddPeer(name, addr string) {
	s.mu.Lock()
	if _, ok := s.peers[name]; ok {
		s.mu.Unlock()
		return
	}
	p := newPeer(name, addr,
		func(peerName string, msg wire.Message) { s.inbound <- InboundMessage{Peer: peerName, Message: msg} },
		func(peerName string) { s.emit(Event{Kind: EventPeerUp, Peer: peerName}) },
		func(peerName string) { s.emit(Event{Kind: EventPeerDown, Peer: peerName}) },
	)
	s.peers[name] = p
	s.mu.Unlock()

	go p.run(s.ctx)
}

// RemovePeer stops and forgets a peer (e.g. on disconnect/hangup, spec
// §4.1).
func (s *Server) RemovePeer(name string) {
	s.mu.Lock()
	p, ok := s.peers[name]
	delete(s.peers, name)
	s.mu.Unlock()
	if ok {
		p.stop()
		s.emit(Event{Kind: EventPeerDown, Peer: name})
	}
}

// SetClusterSize reports a new total-node count, for the readiness
// controller's quorum arithmetic (spec §4.1).
func (s *Server) SetClusterSize(n int) {
	s.emit(Event{Kind: EventClusterSize, Size: n})
}

func (s *Server) emit(e Event) {
	select {
	case s.events <- e:
	default:
		// events channel is sized generously for normal cluster churn;
		// a full channel means nobody is reading it, which is a caller
		// bug, not something to block the dispatch loop over.
	}
}

func (s *Server) Send(ctx context.Context, peerName string, msg wire.Message) error {
	s.mu.Lock()
	p, ok := s.peers[peerName]
	s.mu.Unlock()
	if !ok {
		return errPeerClosed
	}
	return p.send(ctx, msg)
}

func (s *Server) Broadcast(ctx context.Context, msg wire.Message) error {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	var firstErr error
	for _, p := range peers {
		if err := p.send(ctx, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Server) Events() <-chan Event { return s.events }

func (s *Server) Inbound() <-chan InboundMessage { return s.inbound }

func (s *Server) Close() error {
	s.cancel()

	s.mu.Lock()
	peers := s.peers
	s.peers = nil
	s.mu.Unlock()
	for _, p := range peers {
		p.stop()
	}

	s.grpcServer.GracefulStop()
	s.emit(Event{Kind: EventClusterDown})
	close(s.events)
	close(s.inbound)
	return nil
}
