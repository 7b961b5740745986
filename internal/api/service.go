// Package api exposes a session daemon over gRPC. The service descriptor is
// declared by hand; messages are google.protobuf.Struct values carrying the
// JSON form of the types in types.go.
package api

import (
	"context"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/repository"
	"github.com/matheus3301/chatsync/internal/settings"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.ChatSync"

// ConnectionSource reports the push connection state.
type ConnectionSource interface {
	CurrentConnectionState() model.ConnectionState
}

// Identity names the session and the user it syncs for.
type Identity struct {
	Session string
	UserID  string
}

// Service implements the ChatSync gRPC service.
type Service struct {
	id        Identity
	startedAt time.Time
	db        *store.DB
	repo      *repository.Repository
	settings  *settings.Service
	machine   *status.Machine
	bus       *bus.Bus
	conn      ConnectionSource
	logger    *zap.Logger
}

// NewService creates the gRPC service.
func NewService(id Identity, db *store.DB, repo *repository.Repository, svc *settings.Service, machine *status.Machine, b *bus.Bus, conn ConnectionSource, logger *zap.Logger) *Service {
	return &Service{
		id:        id,
		startedAt: time.Now(),
		db:        db,
		repo:      repo,
		settings:  svc,
		machine:   machine,
		bus:       b,
		conn:      conn,
		logger:    logger.Named("api"),
	}
}

// Register attaches the service to a gRPC server.
func Register(srv *grpc.Server, svc *Service) {
	srv.RegisterService(&ServiceDesc, svc)
}

// ServiceDesc describes the ChatSync service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unaryEmpty("GetStatus", (*Service).getStatus),
		unaryEmpty("ListChats", (*Service).listChats),
		unary("GetChat", (*Service).getChat),
		unary("CreateChat", (*Service).createChat),
		unary("DeleteChat", (*Service).deleteChat),
		unary("JoinChat", (*Service).joinChat),
		unary("LeaveChat", (*Service).leaveChat),
		unary("EditMessage", (*Service).editMessage),
		unary("DeleteMessage", (*Service).deleteMessage),
		unary("MarkRead", (*Service).markRead),
		unaryEmpty("SyncNow", (*Service).syncNow),
		unaryEmpty("SyncStatus", (*Service).syncStatus),
		unaryEmpty("Resync", (*Service).resync),
		unary("GetSettings", (*Service).getSettings),
		unary("SetSetting", (*Service).setSetting),
		unary("ListConflicts", (*Service).listConflicts),
	},
	Streams: []grpc.StreamDesc{
		serverStream("SendMessage", (*Service).sendMessage),
		serverStream("WatchChatList", (*Service).watchChatList),
		serverStream("WatchChat", (*Service).watchChat),
		serverStream("WatchEvents", (*Service).watchEvents),
	},
	Metadata: "chatsync/v1/chatsync.proto",
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

func unary[Req, Resp any](name string, fn func(*Service, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handle := func(ctx context.Context, req any) (any, error) {
				var r Req
				if err := fromStruct(req.(*structpb.Struct), &r); err != nil {
					return nil, grpcstatus.Errorf(codes.InvalidArgument, "decode %s request: %v", name, err)
				}
				resp, err := fn(srv.(*Service), ctx, &r)
				if err != nil {
					return nil, toStatus(err)
				}
				return toStruct(resp)
			}
			if interceptor == nil {
				return handle(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}, handle)
		},
	}
}

func unaryEmpty[Resp any](name string, fn func(*Service, context.Context) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(emptypb.Empty)
			if err := dec(in); err != nil {
				return nil, err
			}
			handle := func(ctx context.Context, _ any) (any, error) {
				resp, err := fn(srv.(*Service), ctx)
				if err != nil {
					return nil, toStatus(err)
				}
				return toStruct(resp)
			}
			if interceptor == nil {
				return handle(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}, handle)
		},
	}
}

func serverStream[Req any](name string, fn func(*Service, context.Context, *Req, func(any) error) error) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    name,
		ServerStreams: true,
		Handler: func(srv any, ss grpc.ServerStream) error {
			in := new(structpb.Struct)
			if err := ss.RecvMsg(in); err != nil {
				return err
			}
			var r Req
			if err := fromStruct(in, &r); err != nil {
				return grpcstatus.Errorf(codes.InvalidArgument, "decode %s request: %v", name, err)
			}
			send := func(v any) error {
				out, err := toStruct(v)
				if err != nil {
					return err
				}
				return ss.SendMsg(out)
			}
			return toStatus(fn(srv.(*Service), ss.Context(), &r, send))
		},
	}
}

// LoggingInterceptor logs every unary call at debug level and failures at warn.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	logger = logger.Named("grpc")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []zap.Field{zap.String("method", info.FullMethod), zap.Duration("took", time.Since(start))}
		if err != nil {
			logger.Warn("call failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("call", fields...)
		}
		return resp, err
	}
}
