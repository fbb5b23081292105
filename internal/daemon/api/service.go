package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/zero-day-ai/stratagem/internal/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "stratagem.v1.ControlPlane"

// Method names of the ControlPlane service.
const (
	MethodSubmitSpec       = "SubmitSpec"
	MethodGetInstance      = "GetInstance"
	MethodListInstances    = "ListInstances"
	MethodHistory          = "History"
	MethodDeploy           = "Deploy"
	MethodResume           = "Resume"
	MethodRetire           = "Retire"
	MethodFail             = "Fail"
	MethodReportHealth     = "ReportHealth"
	MethodReportOutcome    = "ReportOutcome"
	MethodOutcomes         = "Outcomes"
	MethodRegisterWorker   = "RegisterWorker"
	MethodDeregisterWorker = "DeregisterWorker"
	MethodHeartbeat        = "Heartbeat"
	MethodAcceptAssignment = "AcceptAssignment"
	MethodListWorkers      = "ListWorkers"
	MethodGetPlan          = "GetPlan"
	MethodStatus           = "Status"
)

// FullMethod returns the gRPC path of a method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ControlPlaneServer is the server side of the ControlPlane service.
// Messages travel as google.protobuf.Struct values holding the JSON form of the
// Go types in this package.
type ControlPlaneServer interface {
	SubmitSpec(ctx context.Context, req *SubmitSpecRequest) (*SubmitSpecResponse, error)
	GetInstance(ctx context.Context, req *InstanceRequest) (*InstanceResponse, error)
	ListInstances(ctx context.Context, req *ListInstancesRequest) (*ListInstancesResponse, error)
	History(ctx context.Context, req *InstanceRequest) (*HistoryResponse, error)
	Deploy(ctx context.Context, req *TransitionRequest) (*InstanceResponse, error)
	Resume(ctx context.Context, req *TransitionRequest) (*InstanceResponse, error)
	Retire(ctx context.Context, req *TransitionRequest) (*InstanceResponse, error)
	Fail(ctx context.Context, req *TransitionRequest) (*InstanceResponse, error)
	ReportHealth(ctx context.Context, req *HealthRequest) (*InstanceResponse, error)
	ReportOutcome(ctx context.Context, req *OutcomeRequest) (*OutcomeResponse, error)
	Outcomes(ctx context.Context, req *OutcomesRequest) (*OutcomesResponse, error)
	RegisterWorker(ctx context.Context, req *RegisterWorkerRequest) (*WorkerResponse, error)
	DeregisterWorker(ctx context.Context, req *WorkerRequest) (*Empty, error)
	Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error)
	AcceptAssignment(ctx context.Context, req *AcceptAssignmentRequest) (*InstanceResponse, error)
	ListWorkers(ctx context.Context, req *Empty) (*ListWorkersResponse, error)
	GetPlan(ctx context.Context, req *PlanRequest) (*PlanResponse, error)
	Status(ctx context.Context, req *Empty) (*StatusResponse, error)
}

// ServiceDesc describes the ControlPlane service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlPlaneServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodSubmitSpec, ControlPlaneServer.SubmitSpec),
		unary(MethodGetInstance, ControlPlaneServer.GetInstance),
		unary(MethodListInstances, ControlPlaneServer.ListInstances),
		unary(MethodHistory, ControlPlaneServer.History),
		unary(MethodDeploy, ControlPlaneServer.Deploy),
		unary(MethodResume, ControlPlaneServer.Resume),
		unary(MethodRetire, ControlPlaneServer.Retire),
		unary(MethodFail, ControlPlaneServer.Fail),
		unary(MethodReportHealth, ControlPlaneServer.ReportHealth),
		unary(MethodReportOutcome, ControlPlaneServer.ReportOutcome),
		unary(MethodOutcomes, ControlPlaneServer.Outcomes),
		unary(MethodRegisterWorker, ControlPlaneServer.RegisterWorker),
		unary(MethodDeregisterWorker, ControlPlaneServer.DeregisterWorker),
		unary(MethodHeartbeat, ControlPlaneServer.Heartbeat),
		unary(MethodAcceptAssignment, ControlPlaneServer.AcceptAssignment),
		unary(MethodListWorkers, ControlPlaneServer.ListWorkers),
		unary(MethodGetPlan, ControlPlaneServer.GetPlan),
		unary(MethodStatus, ControlPlaneServer.Status),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stratagem/v1/controlplane.proto",
}

// RegisterControlPlaneServer registers srv on s.
func RegisterControlPlaneServer(s grpc.ServiceRegistrar, srv ControlPlaneServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// unary builds the method descriptor of a typed handler.
func unary[Req, Resp any](name string, call func(ControlPlaneServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				typed := new(Req)
				if err := FromStruct(req.(*structpb.Struct), typed); err != nil {
					return nil, status.Error(codes.InvalidArgument, err.Error())
				}
				resp, err := call(srv.(ControlPlaneServer), ctx, typed)
				if err != nil {
					return nil, ToStatus(err)
				}
				return ToStruct(resp)
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: FullMethod(name),
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ToStruct converts a message to its wire form.
func ToStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return out, nil
}

// FromStruct decodes a wire message into v.
func FromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}

var codeToGRPC = map[types.ErrorCode]codes.Code{
	types.NOT_FOUND:                codes.NotFound,
	types.INVALID_ARGUMENT:         codes.InvalidArgument,
	types.COMPILATION_FAILED:       codes.InvalidArgument,
	types.INVALID_TRANSITION:       codes.FailedPrecondition,
	types.STALE_SPEC_VERSION:       codes.FailedPrecondition,
	types.WORKER_NOT_ASSIGNED:      codes.PermissionDenied,
	types.CONCURRENCY_CONFLICT:     codes.Aborted,
	types.ASSIGNMENT_FAILED:        codes.Unavailable,
	types.REGISTRY_CORRUPTION:      codes.DataLoss,
	types.CONFIG_VALIDATION_FAILED: codes.InvalidArgument,
}

// ToStatus converts an error to a gRPC status error. The status message keeps
// the "[CODE] message" form so that FromStatus can restore the error code.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code, ok := codeToGRPC[types.CodeOf(err)]
	if !ok {
		code = codes.Internal
	}
	if errors.Is(err, context.Canceled) {
		code = codes.Canceled
	} else if errors.Is(err, context.DeadlineExceeded) {
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}

// FromStatus restores a coded error from a gRPC status error. Errors without a
// code prefix are returned unchanged.
func FromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok || err == nil {
		return err
	}
	msg := st.Message()
	if !strings.HasPrefix(msg, "[") {
		return err
	}
	end := strings.Index(msg, "] ")
	if end < 0 {
		return err
	}
	code := types.ErrorCode(msg[1:end])
	out := types.NewError(code, msg[end+2:])
	out.Retryable = st.Code() == codes.Unavailable
	return out
}
