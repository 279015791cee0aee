// Package stmgrpc carries the stm coordinator transport over a bidirectional grpc
// stream, one stream per worker. It works over TCP or a unix socket.
package stmgrpc

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/MrEthical07/goShield/stm"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	serviceName  = "goshield.stm.Coordinator"
	attachMethod = "/" + serviceName + "/Attach"
	workerHeader = "x-worker-id"
)

type attachServer interface {
	attach(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*attachServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Attach",
			Handler:       attachHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

func attachHandler(srv any, stream grpc.ServerStream) error {
	return srv.(attachServer).attach(stream)
}

// Server exposes a Coordinator to remote workers.
type Server struct {
	coord  *stm.Coordinator
	grpc   *grpc.Server
	logger zerolog.Logger
}

// NewServer registers the coordinator service on a new grpc server.
func NewServer(coord *stm.Coordinator, logger zerolog.Logger, opts ...grpc.ServerOption) *Server {
	s := &Server{
		coord:  coord,
		grpc:   grpc.NewServer(opts...),
		logger: logger,
	}
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Serve accepts worker streams on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	err := s.grpc.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop closes every stream and the listener.
func (s *Server) Stop() {
	s.grpc.Stop()
}

// GracefulStop waits for open streams to finish.
func (s *Server) GracefulStop() {
	s.grpc.GracefulStop()
}

func (s *Server) attach(stream grpc.ServerStream) error {
	md, _ := metadata.FromIncomingContext(stream.Context())
	ids := md.Get(workerHeader)
	if len(ids) == 0 || ids[0] == "" {
		return status.Error(codes.InvalidArgument, "missing worker id")
	}
	workerID := ids[0]

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	conn := &streamConn{stream: stream, cancel: cancel}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.coord.Serve(ctx, workerID, conn)
	}()

	s.logger.Debug().Str("worker", workerID).Msg("worker attached")
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, io.EOF) {
			s.logger.Warn().Err(err).Str("worker", workerID).Msg("worker stream failed")
			return status.Error(codes.Unavailable, err.Error())
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}

// streamConn adapts a grpc stream to stm.Conn.
type streamConn struct {
	stream interface {
		SendMsg(m any) error
		RecvMsg(m any) error
	}
	sendMu sync.Mutex
	cancel context.CancelFunc
}

func (c *streamConn) Send(msg *stm.Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.SendMsg(msg)
}

func (c *streamConn) Recv() (*stm.Message, error) {
	msg := new(stm.Message)
	if err := c.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *streamConn) Close() error {
	c.cancel()
	return nil
}
