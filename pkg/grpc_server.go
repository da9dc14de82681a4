package webrtc_direct

import (
	"context"
	"encoding/base64"
	"errors"
	"net"

	"github.com/kw-m/webrtc-direct/pkg/media"
	"github.com/kw-m/webrtc-direct/pkg/negotiation"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The control service lets another process drive a PeerClient. Its messages
// are protobuf well-known types:
//
//	Call(Struct{peer, media})                 -> Empty
//	SendMessage(Struct{peers, payload|text})  -> Empty   payload is base64
//	Hangup(StringValue peer)                  -> Empty
//	ListSessions(Empty)                       -> ListValue of Struct{peer, role, state, channel_open}
//	GetIdentity(Empty)                        -> StringValue
//	GetEventStream(Empty)                     -> stream Struct (see PeerEvent.ToStruct)
type PeerControlServer interface {
	Call(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	SendMessage(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Hangup(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	ListSessions(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	GetIdentity(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
	GetEventStream(*emptypb.Empty, PeerControl_GetEventStreamServer) error
}

type PeerControl_GetEventStreamServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

const peerControlService = "webrtcdirect.PeerControl"

var PeerControl_ServiceDesc = grpc.ServiceDesc{
	ServiceName: peerControlService,
	HandlerType: (*PeerControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: _PeerControl_Call_Handler},
		{MethodName: "SendMessage", Handler: _PeerControl_SendMessage_Handler},
		{MethodName: "Hangup", Handler: _PeerControl_Hangup_Handler},
		{MethodName: "ListSessions", Handler: _PeerControl_ListSessions_Handler},
		{MethodName: "GetIdentity", Handler: _PeerControl_GetIdentity_Handler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "GetEventStream", Handler: _PeerControl_GetEventStream_Handler, ServerStreams: true},
	},
	Metadata: "webrtc_direct.proto",
}

func _PeerControl_Call_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerControlServer).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + peerControlService + "/Call"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PeerControlServer).Call(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _PeerControl_SendMessage_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerControlServer).SendMessage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + peerControlService + "/SendMessage"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PeerControlServer).SendMessage(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _PeerControl_Hangup_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerControlServer).Hangup(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + peerControlService + "/Hangup"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PeerControlServer).Hangup(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _PeerControl_ListSessions_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerControlServer).ListSessions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + peerControlService + "/ListSessions"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PeerControlServer).ListSessions(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _PeerControl_GetIdentity_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerControlServer).GetIdentity(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + peerControlService + "/GetIdentity"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PeerControlServer).GetIdentity(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _PeerControl_GetEventStream_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(PeerControlServer).GetEventStream(m, &peerControlGetEventStreamServer{stream})
}

type peerControlGetEventStreamServer struct {
	grpc.ServerStream
}

func (x *peerControlGetEventStreamServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

// peerControlServer implements PeerControlServer on top of a PeerClient.
type peerControlServer struct {
	client *PeerClient
}

func (s *peerControlServer) Call(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	peer := in.GetFields()["peer"].GetStringValue()
	if peer == "" {
		return nil, status.Error(codes.InvalidArgument, "peer is required")
	}
	useMedia := in.GetFields()["media"].GetBoolValue()
	if err := s.client.Call(ctx, peer, useMedia); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *peerControlServer) SendMessage(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	fields := in.GetFields()

	var data []byte
	if payload, ok := fields["payload"]; ok {
		decoded, err := base64.StdEncoding.DecodeString(payload.GetStringValue())
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, "payload must be base64")
		}
		data = decoded
	} else {
		data = []byte(fields["text"].GetStringValue())
	}

	peers := []string{AllPeers}
	if list := fields["peers"].GetListValue(); list != nil && len(list.GetValues()) > 0 {
		peers = peers[:0]
		for _, v := range list.GetValues() {
			peers = append(peers, v.GetStringValue())
		}
	}

	if err := s.client.SendMessageToPeers(peers, data); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *peerControlServer) Hangup(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.client.Hangup(in.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *peerControlServer) ListSessions(ctx context.Context, in *emptypb.Empty) (*structpb.ListValue, error) {
	values := make([]interface{}, 0)
	for _, info := range s.client.Sessions() {
		values = append(values, map[string]interface{}{
			"peer":         info.Peer,
			"role":         info.Role.String(),
			"state":        info.State.String(),
			"channel_open": info.ChannelOpen,
		})
	}
	return structpb.NewList(values)
}

func (s *peerControlServer) GetIdentity(ctx context.Context, in *emptypb.Empty) (*wrapperspb.StringValue, error) {
	return wrapperspb.String(s.client.Identity()), nil
}

func (s *peerControlServer) GetEventStream(in *emptypb.Empty, stream PeerControl_GetEventStreamServer) error {
	events := s.client.GetEventStream()
	defer s.client.UnsubscribeEvents(events)
	for {
		select {
		case <-stream.Context().Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			msg, err := evt.ToStruct()
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

func toStatus(err error) error {
	var accessErr *media.MediaAccessError
	switch {
	case errors.As(err, &accessErr):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, negotiation.ErrSessionExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, negotiation.ErrUnknownSession):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, negotiation.ErrSelfCall):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrClientClosed), errors.Is(err, negotiation.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// StartGRPCServer listens on address and serves the control API in the
// background. The server is registered before StartGRPCServer returns, so a
// Close right after it always stops it.
func (c *PeerClient) StartGRPCServer(address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	srv, err := c.newGRPCServer(lis.Addr())
	if err != nil {
		lis.Close()
		return err
	}
	go func() {
		c.Log.Info("Starting gRPC server on ", lis.Addr())
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			c.Log.Error("gRPC server stopped: ", err)
		}
	}()
	return nil
}

// ServeGRPC serves the control API on lis until StopGRPCServer or Close.
func (c *PeerClient) ServeGRPC(lis net.Listener) error {
	srv, err := c.newGRPCServer(lis.Addr())
	if err != nil {
		lis.Close()
		return err
	}
	c.Log.Info("Starting gRPC server on ", lis.Addr())
	return srv.Serve(lis)
}

func (c *PeerClient) newGRPCServer(addr net.Addr) (*grpc.Server, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopSignal.HasTriggered() {
		return nil, ErrClientClosed
	}
	if c.grpcServer != nil {
		return nil, errors.New("grpc server already running")
	}
	srv := grpc.NewServer()
	srv.RegisterService(&PeerControl_ServiceDesc, &peerControlServer{client: c})
	c.grpcServer = srv
	c.grpcAddr = addr
	return srv, nil
}

// GRPCAddr is the address the control API listens on, nil when it is not running.
func (c *PeerClient) GRPCAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.grpcAddr
}

func (c *PeerClient) StopGRPCServer() {
	c.mu.Lock()
	srv := c.grpcServer
	c.grpcServer = nil
	c.grpcAddr = nil
	c.mu.Unlock()
	if srv != nil {
		srv.Stop()
	}
}

// PeerControlClient drives a PeerClient in another process.
type PeerControlClient struct {
	cc grpc.ClientConnInterface
}

func NewPeerControlClient(cc grpc.ClientConnInterface) *PeerControlClient {
	return &PeerControlClient{cc: cc}
}

func (c *PeerControlClient) Call(ctx context.Context, peer string, useMedia bool, opts ...grpc.CallOption) error {
	in, err := structpb.NewStruct(map[string]interface{}{"peer": peer, "media": useMedia})
	if err != nil {
		return err
	}
	return c.cc.Invoke(ctx, "/"+peerControlService+"/Call", in, new(emptypb.Empty), opts...)
}

// SendMessage sends data to peers, or to every peer when peers is empty.
func (c *PeerControlClient) SendMessage(ctx context.Context, peers []string, data []byte, opts ...grpc.CallOption) error {
	targets := make([]interface{}, 0, len(peers))
	for _, p := range peers {
		targets = append(targets, p)
	}
	in, err := structpb.NewStruct(map[string]interface{}{
		"peers":   targets,
		"payload": base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return err
	}
	return c.cc.Invoke(ctx, "/"+peerControlService+"/SendMessage", in, new(emptypb.Empty), opts...)
}

func (c *PeerControlClient) Hangup(ctx context.Context, peer string, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, "/"+peerControlService+"/Hangup", wrapperspb.String(peer), new(emptypb.Empty), opts...)
}

func (c *PeerControlClient) ListSessions(ctx context.Context, opts ...grpc.CallOption) ([]map[string]interface{}, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, "/"+peerControlService+"/ListSessions", &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	sessions := make([]map[string]interface{}, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		sessions = append(sessions, v.GetStructValue().AsMap())
	}
	return sessions, nil
}

func (c *PeerControlClient) GetIdentity(ctx context.Context, opts ...grpc.CallOption) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, "/"+peerControlService+"/GetIdentity", &emptypb.Empty{}, out, opts...); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

// EventStreamClient receives PeerEvents from GetEventStream.
type EventStreamClient struct {
	stream grpc.ClientStream
}

func (c *PeerControlClient) GetEventStream(ctx context.Context, opts ...grpc.CallOption) (*EventStreamClient, error) {
	stream, err := c.cc.NewStream(ctx, &PeerControl_ServiceDesc.Streams[0], "/"+peerControlService+"/GetEventStream", opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStreamClient{stream: stream}, nil
}

// Recv blocks for the next event. It returns io.EOF when the server ends the stream.
func (x *EventStreamClient) Recv() (*PeerEvent, error) {
	m := new(structpb.Struct)
	if err := x.stream.RecvMsg(m); err != nil {
		return nil, err
	}
	return PeerEventFromStruct(m)
}
