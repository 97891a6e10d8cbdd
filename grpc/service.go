package grpc

import (
	"context"
	"time"

	"github.com/maxpert/burrow/membership"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	membershipService = "burrow.Membership"

	probeMethod         = "/" + membershipService + "/Probe"
	probeIndirectMethod = "/" + membershipService + "/ProbeIndirect"
	gossipMethod        = "/" + membershipService + "/Gossip"
)

// MembershipServer answers liveness probes and gossip from peers
type MembershipServer interface {
	Probe(context.Context, *ProbeRequest) (*ProbeResponse, error)
	ProbeIndirect(context.Context, *ProbeIndirectRequest) (*ProbeIndirectResponse, error)
	Gossip(context.Context, *GossipRequest) (*Empty, error)
}

var membershipServiceDesc = grpc.ServiceDesc{
	ServiceName: membershipService,
	HandlerType: (*MembershipServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(membershipService, "Probe", MembershipServer.Probe),
		unaryMethod(membershipService, "ProbeIndirect", MembershipServer.ProbeIndirect),
		unaryMethod(membershipService, "Gossip", MembershipServer.Gossip),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "burrow/membership",
}

// RegisterMembershipServer registers srv on s
func RegisterMembershipServer(s grpc.ServiceRegistrar, srv MembershipServer) {
	s.RegisterService(&membershipServiceDesc, srv)
}

// unaryMethod builds the method descriptor for a plain request/response call
func unaryMethod[S any, Req any, Resp any](service, method string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// invoke performs a unary call and decodes the reply into a new Resp
func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, req interface{}, opts ...grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// MembershipService serves the probe and gossip RPCs of one node
type MembershipService struct {
	manager *membership.Manager
	prober  membership.Prober
}

// NewMembershipService answers for manager. prober runs indirect probes on behalf of peers.
func NewMembershipService(manager *membership.Manager, prober membership.Prober) *MembershipService {
	return &MembershipService{manager: manager, prober: prober}
}

// Probe answers OK while this node is alive and is the incarnation the caller asked for
func (s *MembershipService) Probe(_ context.Context, req *ProbeRequest) (*ProbeResponse, error) {
	self := s.manager.Self()
	current := s.manager.CurrentStatus()
	s.manager.Health().RecordProbeRequest()

	ok := current != membership.StatusDead && (req.Target.IsZero() || req.Target == self)
	if !ok {
		log.Debug().
			Str("sender", req.Sender.String()).
			Str("target", req.Target.String()).
			Str("status", current.String()).
			Msg("Refusing probe")
	}
	return &ProbeResponse{OK: ok, Self: self, Status: current, HealthScore: s.manager.Health().Score()}, nil
}

// ProbeIndirect probes the requested target directly and reports the outcome
func (s *MembershipService) ProbeIndirect(ctx context.Context, req *ProbeIndirectRequest) (*ProbeIndirectResponse, error) {
	if !req.Target.IsValid() {
		return nil, status.Errorf(codes.InvalidArgument, "invalid probe target %s", req.Target)
	}
	if s.prober == nil {
		return nil, status.Error(codes.Unimplemented, "indirect probes not served by this node")
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = s.manager.Config().ProbeTimeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	score := s.manager.Health().Score()
	if err := s.prober.Probe(pctx, req.Target); err != nil {
		return &ProbeIndirectResponse{OK: false, Error: err.Error(), HealthScore: score}, nil
	}
	return &ProbeIndirectResponse{OK: true, HealthScore: score}, nil
}

// Gossip applies a pushed entry to the local view
func (s *MembershipService) Gossip(_ context.Context, req *GossipRequest) (*Empty, error) {
	if s.manager.Disseminator().Receive(req.Sender, req.Entry) {
		log.Debug().
			Str("sender", req.Sender.String()).
			Str("node", req.Entry.Address.String()).
			Str("status", req.Entry.Status.String()).
			Msg("Applied gossip")
	}
	return &Empty{}, nil
}
