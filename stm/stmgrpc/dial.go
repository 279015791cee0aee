package stmgrpc

import (
	"context"
	"fmt"

	"github.com/MrEthical07/goShield/stm"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// Dial attaches worker workerID to the coordinator at target ("unix:///path" or
// "host:port") and returns a client speaking over the stream. ctx bounds only the
// connection attempt.
func Dial(ctx context.Context, target, workerID string, opts ...stm.ClientOption) (*stm.Client, error) {
	cc, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("stmgrpc: dial %s: %w", target, err)
	}

	streamCtx, cancel := context.WithCancel(metadata.AppendToOutgoingContext(context.Background(), workerHeader, workerID))

	type result struct {
		stream grpc.ClientStream
		err    error
	}
	done := make(chan result, 1)
	go func() {
		s, err := cc.NewStream(streamCtx, &serviceDesc.Streams[0], attachMethod, grpc.WaitForReady(true))
		done <- result{stream: s, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		cancel()
		_ = cc.Close()
		return nil, fmt.Errorf("stmgrpc: attach %s: %w", target, ctx.Err())
	}
	if res.err != nil {
		cancel()
		_ = cc.Close()
		return nil, fmt.Errorf("stmgrpc: attach %s: %w", target, res.err)
	}

	conn := &clientConn{
		streamConn: streamConn{stream: res.stream, cancel: cancel},
		cs:         res.stream,
		cc:         cc,
	}
	return stm.NewClient(workerID, conn, opts...), nil
}

type clientConn struct {
	streamConn
	cs grpc.ClientStream
	cc *grpc.ClientConn
}

func (c *clientConn) Close() error {
	c.sendMu.Lock()
	_ = c.cs.CloseSend()
	c.sendMu.Unlock()
	c.cancel()
	return c.cc.Close()
}
