// Package coordinatorrpc serves the transaction coordinator over gRPC so that
// workflow processes other than the daemon can take part in coordinated
// transactions. Messages travel with a JSON codec; the service descriptor is
// declared here rather than generated.
package coordinatorrpc

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sushant-115/photobook/core/lockmanager"
	"github.com/sushant-115/photobook/core/transaction"
	"github.com/sushant-115/photobook/core/txerrors"
	"github.com/sushant-115/photobook/core/undolog"
	internaltelemetry "github.com/sushant-115/photobook/internal/telemetry"
)

const ServiceName = "photobook.coordinator.v1.Coordinator"

// Backend is the coordinator surface exported over the wire.
type Backend interface {
	Begin(ctx context.Context, id transaction.TxnID) error
	AcquireLock(ctx context.Context, id transaction.TxnID, resource string, mode lockmanager.LockMode) (bool, error)
	LogBeforeImage(ctx context.Context, id transaction.TxnID, entry undolog.Entry) error
	Commit(ctx context.Context, id transaction.TxnID) error
	Rollback(ctx context.Context, id transaction.TxnID) error
	CheckDeadlock(ctx context.Context) (transaction.TxnID, bool)
	Status(id transaction.TxnID) (transaction.Transaction, error)
}

// CoordinatorServer is the server API of the coordinator service.
type CoordinatorServer interface {
	Begin(context.Context, *TxnRequest) (*Empty, error)
	AcquireLock(context.Context, *LockRequest) (*LockResponse, error)
	LogBeforeImage(context.Context, *LogRequest) (*Empty, error)
	Commit(context.Context, *TxnRequest) (*Empty, error)
	Rollback(context.Context, *TxnRequest) (*Empty, error)
	CheckDeadlock(context.Context, *Empty) (*DeadlockResponse, error)
	Status(context.Context, *TxnRequest) (*StatusResponse, error)
}

// Server adapts a Backend to CoordinatorServer.
type Server struct {
	backend Backend
	logger  *zap.Logger
}

func NewServer(backend Backend, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{backend: backend, logger: logger.Named("coordinator_rpc")}
}

func (s *Server) Begin(ctx context.Context, req *TxnRequest) (*Empty, error) {
	if err := s.backend.Begin(ctx, req.ID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) AcquireLock(ctx context.Context, req *LockRequest) (*LockResponse, error) {
	granted, err := s.backend.AcquireLock(ctx, req.ID, req.Resource, req.Mode)
	if err != nil {
		return nil, toStatus(err)
	}
	return &LockResponse{Granted: granted}, nil
}

func (s *Server) LogBeforeImage(ctx context.Context, req *LogRequest) (*Empty, error) {
	if err := s.backend.LogBeforeImage(ctx, req.ID, req.Entry); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) Commit(ctx context.Context, req *TxnRequest) (*Empty, error) {
	if err := s.backend.Commit(ctx, req.ID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) Rollback(ctx context.Context, req *TxnRequest) (*Empty, error) {
	if err := s.backend.Rollback(ctx, req.ID); err != nil {
		if errors.Is(err, txerrors.ErrRollbackFailed) {
			s.logger.Error("Remote rollback failed", zap.String("txnID", string(req.ID)), zap.Error(err))
		}
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) CheckDeadlock(ctx context.Context, _ *Empty) (*DeadlockResponse, error) {
	victim, found := s.backend.CheckDeadlock(ctx)
	return &DeadlockResponse{Victim: victim, Found: found}, nil
}

func (s *Server) Status(_ context.Context, req *TxnRequest) (*StatusResponse, error) {
	txn, err := s.backend.Status(req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &StatusResponse{Transaction: txn}, nil
}

// toStatus maps coordinator errors onto gRPC status codes. A failed rollback
// is reported as DataLoss even when it is joined with the error that caused
// it.
func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, txerrors.ErrRollbackFailed):
		code = codes.DataLoss
	case errors.Is(err, txerrors.ErrDeadlockAborted), errors.Is(err, txerrors.ErrLockDenied):
		code = codes.Aborted
	case errors.Is(err, txerrors.ErrTxnNotFound), errors.Is(err, txerrors.ErrUndoLogNotFound):
		code = codes.NotFound
	case errors.Is(err, txerrors.ErrTxnAlreadyExists):
		code = codes.AlreadyExists
	case errors.Is(err, txerrors.ErrInvalidTxnID), errors.Is(err, txerrors.ErrInvalidRequest):
		code = codes.InvalidArgument
	case errors.Is(err, txerrors.ErrTxnInvalidState):
		code = codes.FailedPrecondition
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}

// Register attaches srv to s under ServiceName.
func Register(s grpc.ServiceRegistrar, srv CoordinatorServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unary[Req any, Resp any](method string, call func(CoordinatorServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(CoordinatorServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(CoordinatorServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes the coordinator service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Begin", CoordinatorServer.Begin),
		unary("AcquireLock", CoordinatorServer.AcquireLock),
		unary("LogBeforeImage", CoordinatorServer.LogBeforeImage),
		unary("Commit", CoordinatorServer.Commit),
		unary("Rollback", CoordinatorServer.Rollback),
		unary("CheckDeadlock", CoordinatorServer.CheckDeadlock),
		unary("Status", CoordinatorServer.Status),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "photobook/coordinator.proto",
}

// MetricsInterceptor records per-method request counts and latency.
func MetricsInterceptor(m *internaltelemetry.APIMetrics, logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		attrs := metric.WithAttributes(attribute.String("rpc", info.FullMethod))
		start := time.Now()
		m.RequestsStartedCounter.Add(ctx, 1, attrs)
		m.ActiveRequestsUpDownCounter.Add(ctx, 1, attrs)

		resp, err := handler(ctx, req)

		code := status.Code(err)
		m.ActiveRequestsUpDownCounter.Add(ctx, -1, attrs)
		m.RequestLatencyHistogram.Record(ctx, time.Since(start).Milliseconds(), attrs)
		m.RequestsHandledCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("rpc", info.FullMethod),
			attribute.String("code", code.String()),
		))
		if err != nil {
			logger.Debug("RPC failed", zap.String("method", info.FullMethod), zap.Stringer("code", code), zap.Error(err))
		}
		return resp, err
	}
}
