package grpcinfer

import (
	"context"
	"errors"
	"net"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"plantdoc/internal/imaging"
	"plantdoc/internal/logging"
)

type classifyFunc func(payload []byte) (*structpb.Struct, error)

func startServer(t *testing.T, fn classifyFunc) *Client {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Classify",
			Handler: func(_ interface{}, _ context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := &wrapperspb.BytesValue{}
				if err := dec(in); err != nil {
					return nil, err
				}
				return fn(in.GetValue())
			},
		}},
	}, struct{}{})

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := Dial(context.Background(), "bufnet", zap.NewNop(),
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
	)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClassifyRoundTrip(t *testing.T) {
	var received []byte
	client := startServer(t, func(payload []byte) (*structpb.Struct, error) {
		received = payload
		return structpb.NewStruct(map[string]interface{}{"label": "late_blight", "confidence": 0.9125})
	})

	res, err := client.Classify(context.Background(), imaging.Image{Format: "png", Raw: []byte("png-bytes")})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if res.Label != "late_blight" || res.Confidence != 0.9125 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if string(received) != "png-bytes" {
		t.Fatalf("unexpected payload: %q", received)
	}
}

func TestClassifyWrapsServerErrors(t *testing.T) {
	client := startServer(t, func([]byte) (*structpb.Struct, error) {
		return nil, status.Error(codes.InvalidArgument, "not an image")
	})

	_, err := client.Classify(context.Background(), imaging.Image{Raw: []byte("x")})
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T (%v)", err, err)
	}
	if status.Code(opErr.Err) != codes.InvalidArgument {
		t.Fatalf("unexpected status: %v", opErr.Err)
	}
}

func TestClassifyRejectsIncompleteResponse(t *testing.T) {
	client := startServer(t, func([]byte) (*structpb.Struct, error) {
		return structpb.NewStruct(map[string]interface{}{"label": "rust"})
	})
	if _, err := client.Classify(context.Background(), imaging.Image{Raw: []byte("x")}); err == nil {
		t.Fatal("expected error for missing confidence")
	}
}

func TestCheckHealth(t *testing.T) {
	client := startServer(t, func([]byte) (*structpb.Struct, error) { return &structpb.Struct{}, nil })
	if err := client.CheckHealth(context.Background()); err != nil {
		t.Fatalf("CheckHealth() error = %v", err)
	}
}
