package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/m2osw/cluckd/internal/wire"
)

// peer manages the outbound Exchange stream to one other node. It
// reconnects with backoff on failure, mirroring grpc-proxy's pattern of
// one long-lived stream per backend rather than one RPC per message, so
// per-peer ordering (spec §5) falls out of gRPC's own stream ordering
// guarantee.
type peer struct {
	name string
	addr string

	dialOpts []grpc.DialOption

	mu     sync.Mutex
	conn   *grpc.ClientConn
	stream *exchangeClientStream

	outbound chan *envelope
	done     chan struct{}
	closed   chan struct{}

	onInbound func(peerName string, msg wire.Message)
	onUp      func(peerName string)
	onDown    func(peerName string)
}

func newPeer(name, addr string, onInbound func(string, wire.Message), onUp, onDown func(string)) *peer {
	return &peer{
		name:      name,
		addr:      addr,
		dialOpts:  []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
		outbound:  make(chan *envelope, 64),
		done:      make(chan struct{}),
		closed:    make(chan struct{}),
		onInbound: onInbound,
		onUp:      onUp,
		onDown:    onDown,
	}
}

func (p *peer) run(ctx context.Context) {
	defer close(p.closed)

	backoff := 200 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := p.connectAndPump(ctx); err != nil {
			if p.onDown != nil {
				p.onDown(p.name)
			}
		}

		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (p *peer) connectAndPump(ctx context.Context) error {
	conn, err := grpc.NewClient(p.addr, p.dialOpts...)
	if err != nil {
		return err
	}
	defer conn.Close()

	stream, err := openExchangeClient(ctx, conn)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.conn = conn
	p.stream = stream
	p.mu.Unlock()

	if p.onUp != nil {
		p.onUp(p.name)
	}
	defer func() {
		p.mu.Lock()
		p.conn = nil
		p.stream = nil
		p.mu.Unlock()
	}()

	recvErr := make(chan error, 1)
	go func() {
		for {
			e, err := stream.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			if p.onInbound != nil {
				p.onInbound(p.name, fromEnvelope(e))
			}
		}
	}()

	for {
		select {
		case <-p.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case err := <-recvErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case e := <-p.outbound:
			if err := stream.Send(e); err != nil {
				return err
			}
		}
	}
}

func (p *peer) send(ctx context.Context, msg wire.Message) error {
	select {
	case p.outbound <- toEnvelope(msg):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return errPeerClosed
	}
}

func (p *peer) stop() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	<-p.closed
}

var errPeerClosed = errors.New("transport: peer connection closed")
