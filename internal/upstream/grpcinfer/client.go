// Package grpcinfer classifies images through a remote gRPC model service.
//
// The service exposes a single unary method taking the raw image as a
// google.protobuf.BytesValue and answering with a google.protobuf.Struct carrying
// "label" and "confidence", so no generated stubs are required.
package grpcinfer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"plantdoc/internal/imaging"
	"plantdoc/internal/logging"
	"plantdoc/internal/predictor"
)

const (
	ServiceName    = "plantdoc.inference.v1.Classifier"
	classifyMethod = "/" + ServiceName + "/Classify"
)

type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	logger *zap.Logger
}

// Dial connects to addr and blocks until the connection is up or ctx expires.
func Dial(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)
	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcinfer.dial", "", err)
		logger.Error("failed to dial inference service", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn), logger: logger}, nil
}

func (c *Client) Classify(ctx context.Context, img imaging.Image) (predictor.Result, error) {
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, classifyMethod, wrapperspb.Bytes(img.Raw), resp); err != nil {
		wrapped := logging.NewOperationError("grpcinfer.classify", "", err)
		c.logger.Warn("inference call failed", zap.Error(wrapped))
		return predictor.Result{}, wrapped
	}
	return resultFromStruct(resp)
}

func (c *Client) CheckHealth(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return logging.NewOperationError("grpcinfer.health", "", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("inference service status %s", resp.GetStatus())
	}
	return nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func resultFromStruct(s *structpb.Struct) (predictor.Result, error) {
	fields := s.GetFields()
	label, ok := fields["label"].GetKind().(*structpb.Value_StringValue)
	if !ok {
		return predictor.Result{}, fmt.Errorf("classify response: missing string field %q", "label")
	}
	confidence, ok := fields["confidence"].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return predictor.Result{}, fmt.Errorf("classify response: missing number field %q", "confidence")
	}
	return predictor.Result{Label: label.StringValue, Confidence: confidence.NumberValue}, nil
}
