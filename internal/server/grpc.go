package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	serrors "github.com/nainya/spatialstore/internal/errors"
	"github.com/nainya/spatialstore/pkg/query"
)

// SpatialServiceName is the fully qualified gRPC service name
const SpatialServiceName = "spatialstore.v1.SpatialService"

const healthInterval = time.Second

// SpatialServiceServer is the server API of the spatial service. Requests
// and responses are google.protobuf.Struct values shaped like the HTTP
// query surface.
type SpatialServiceServer interface {
	Query(context.Context, *structpb.Struct) (*structpb.Struct, error)
	IndexInfo(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// SpatialServiceDesc describes the spatial service for grpc.Server
var SpatialServiceDesc = grpc.ServiceDesc{
	ServiceName: SpatialServiceName,
	HandlerType: (*SpatialServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Query", Handler: unaryHandler("Query", SpatialServiceServer.Query)},
		{MethodName: "IndexInfo", Handler: unaryHandler("IndexInfo", SpatialServiceServer.IndexInfo)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "spatialstore/v1/spatial.proto",
}

type structMethod func(SpatialServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call structMethod) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	fullMethod := "/" + SpatialServiceName + "/" + name
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SpatialServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(SpatialServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// SpatialServiceClient calls the spatial service
type SpatialServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewSpatialServiceClient creates a client on an existing connection
func NewSpatialServiceClient(cc grpc.ClientConnInterface) *SpatialServiceClient {
	return &SpatialServiceClient{cc: cc}
}

// Query runs a spatial query
func (c *SpatialServiceClient) Query(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+SpatialServiceName+"/Query", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// IndexInfo reports the state of an index
func (c *SpatialServiceClient) IndexInfo(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+SpatialServiceName+"/IndexInfo", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// grpcService adapts Server to SpatialServiceServer
type grpcService struct {
	s *Server
}

// Query accepts {"index", "bbox", "plane_bounds", "count", "stale", "limit",
// "skip"}. Boxes are four numbers or the comma-separated HTTP form.
func (g *grpcService) Query(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	index := fields["index"].GetStringValue()
	if index == "" {
		return nil, status.Error(codes.InvalidArgument, "index is required")
	}

	values, err := queryValues(fields)
	if err != nil {
		return nil, toStatus(err)
	}
	q, err := query.ParseParams(index, values)
	if err != nil {
		return nil, toStatus(err)
	}
	result, err := g.s.Query(ctx, q)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(result)
}

// IndexInfo accepts {"index"}
func (g *grpcService) IndexInfo(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	index := req.GetFields()["index"].GetStringValue()
	if index == "" {
		return nil, status.Error(codes.InvalidArgument, "index is required")
	}
	info, err := g.s.indexes.Info(index)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(info)
}

// queryValues renders struct fields in the HTTP parameter form so both
// surfaces share one parser
func queryValues(fields map[string]*structpb.Value) (url.Values, error) {
	values := url.Values{}
	for _, key := range []string{"bbox", "plane_bounds"} {
		v, ok := fields[key]
		if !ok {
			continue
		}
		box, err := boxParam(key, v)
		if err != nil {
			return nil, err
		}
		values.Set(key, box)
	}

	if v, ok := fields["count"]; ok {
		values.Set("count", strconv.FormatBool(v.GetBoolValue()))
	}
	if v, ok := fields["stale"]; ok {
		values.Set("stale", v.GetStringValue())
	}
	for _, key := range []string{"limit", "skip"} {
		if v, ok := fields[key]; ok {
			n := v.GetNumberValue()
			if n != float64(int(n)) {
				return nil, serrors.NewValidationError(serrors.CodeInvalidParam,
					fmt.Sprintf("%s must be an integer", key))
			}
			values.Set(key, strconv.Itoa(int(n)))
		}
	}
	return values, nil
}

func boxParam(key string, v *structpb.Value) (string, error) {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return kind.StringValue, nil
	case *structpb.Value_ListValue:
		parts := make([]string, 0, len(kind.ListValue.GetValues()))
		for _, item := range kind.ListValue.GetValues() {
			n, ok := item.GetKind().(*structpb.Value_NumberValue)
			if !ok {
				return "", serrors.NewValidationError(serrors.CodeInvalidParam,
					fmt.Sprintf("%s must contain numbers", key))
			}
			parts = append(parts, strconv.FormatFloat(n.NumberValue, 'g', -1, 64))
		}
		return strings.Join(parts, ","), nil
	default:
		return "", serrors.NewValidationError(serrors.CodeInvalidParam,
			fmt.Sprintf("%s must be a list of numbers or a string", key))
	}
}

// toStruct converts a JSON-encodable value to a Struct
func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func toStatus(err error) error {
	return status.Error(serrors.GRPCCode(err), err.Error())
}

// GRPCServer serves the spatial service, the health service and reflection
type GRPCServer struct {
	server *grpc.Server
	health *health.Server
	s      *Server

	stopOnce sync.Once
	stop     chan struct{}
}

// NewGRPCServer creates the gRPC server with the metrics interceptor installed
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *GRPCServer {
	if s.metrics != nil {
		opts = append(opts, grpc.UnaryInterceptor(GrpcMetricsInterceptor(s.metrics, s.log)))
	}
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&SpatialServiceDesc, &grpcService{s: s})

	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	g := &GRPCServer{server: gs, health: hs, s: s, stop: make(chan struct{})}
	g.RefreshHealth()
	return g
}

// RefreshHealth publishes per-index serving status. An index serves once
// its first build has completed; the overall service serves once every
// index does.
func (g *GRPCServer) RefreshHealth() {
	for _, name := range g.s.indexes.Names() {
		info, err := g.s.indexes.Info(name)
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if err == nil && info.Ready && info.Error == "" {
			st = healthpb.HealthCheckResponse_SERVING
		}
		g.health.SetServingStatus(name, st)
	}

	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if g.s.indexes.Ready() {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", overall)
	g.health.SetServingStatus(SpatialServiceName, overall)
}

// Serve accepts connections on lis until Stop is called
func (g *GRPCServer) Serve(lis net.Listener) error {
	go g.watchHealth()
	return g.server.Serve(lis)
}

func (g *GRPCServer) watchHealth() {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.RefreshHealth()
		case <-g.stop:
			return
		}
	}
}

// Stop drains in-flight calls and stops the server
func (g *GRPCServer) Stop() {
	g.stopOnce.Do(func() {
		close(g.stop)
		g.health.Shutdown()
		g.server.GracefulStop()
	})
}
