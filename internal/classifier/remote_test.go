package classifier

import (
	"context"
	"errors"
	"math"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/neuroscan/internal/imaging"
)

type fakeInference struct {
	probs    []float64
	delay    time.Duration
	received *imaging.Tensor
}

func (f *fakeInference) predict(ctx context.Context, in *wrapperspb.BytesValue) (*structpb.Struct, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	tensor, err := DecodeTensor(in)
	if err != nil {
		return nil, err
	}
	f.received = tensor
	return NewProbabilitiesReply(f.probs)
}

var fakeInferenceDesc = grpc.ServiceDesc{
	ServiceName: InferenceService,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Predict",
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(wrapperspb.BytesValue)
			if err := dec(in); err != nil {
				return nil, err
			}
			return srv.(*fakeInference).predict(ctx, in)
		},
	}},
	Streams: []grpc.StreamDesc{},
}

func startInference(t *testing.T, fake *fakeInference, status healthpb.HealthCheckResponse_ServingStatus) grpc.DialOption {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()

	hs := health.NewServer()
	hs.SetServingStatus(InferenceService, status)
	healthpb.RegisterHealthServer(server, hs)
	server.RegisterService(&fakeInferenceDesc, fake)

	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func TestRemoteClassifierPredict(t *testing.T) {
	fake := &fakeInference{probs: []float64{0.1, 0.2, 0.6, 0.1}}
	dialer := startInference(t, fake, healthpb.HealthCheckResponse_SERVING)

	c, err := DialRemoteClassifier(context.Background(), "bufnet", time.Second, time.Second, zap.NewNop(), dialer)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer c.Close()

	tensor := &imaging.Tensor{Data: make([]float32, imaging.Size*imaging.Size*imaging.Channels)}
	tensor.Data[5] = 0.5

	probs, err := c.Predict(context.Background(), tensor)
	if err != nil {
		t.Fatalf("predict failed: %v", err)
	}
	if len(probs) != 4 || math.Abs(probs[2]-0.6) > 1e-9 {
		t.Fatalf("unexpected probabilities %v", probs)
	}
	if fake.received == nil || fake.received.Data[5] != 0.5 {
		t.Fatal("sidecar did not receive the tensor")
	}
	if !IsReal(c) {
		t.Fatal("remote classifier must report a real mode")
	}
}

func TestRemoteClassifierRejectsNotServing(t *testing.T) {
	dialer := startInference(t, &fakeInference{}, healthpb.HealthCheckResponse_NOT_SERVING)

	if _, err := DialRemoteClassifier(context.Background(), "bufnet", time.Second, time.Second, zap.NewNop(), dialer); err == nil {
		t.Fatal("expected construction failure for a sidecar that is not serving")
	}
}

func TestRemoteClassifierRejectsWrongShape(t *testing.T) {
	dialer := startInference(t, &fakeInference{probs: []float64{0.5, 0.5}}, healthpb.HealthCheckResponse_SERVING)

	c, err := DialRemoteClassifier(context.Background(), "bufnet", time.Second, time.Second, zap.NewNop(), dialer)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer c.Close()

	_, err = c.Predict(context.Background(), &imaging.Tensor{Data: make([]float32, imaging.Size*imaging.Size*imaging.Channels)})
	if !errors.Is(err, ErrOutputShape) {
		t.Fatalf("expected ErrOutputShape, got %v", err)
	}
}

func TestRemoteClassifierHonorsPredictTimeout(t *testing.T) {
	fake := &fakeInference{probs: []float64{0.1, 0.2, 0.6, 0.1}, delay: time.Second}
	dialer := startInference(t, fake, healthpb.HealthCheckResponse_SERVING)

	c, err := DialRemoteClassifier(context.Background(), "bufnet", time.Second, 50*time.Millisecond, zap.NewNop(), dialer)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer c.Close()

	start := time.Now()
	_, err = c.Predict(context.Background(), &imaging.Tensor{Data: make([]float32, imaging.Size*imaging.Size*imaging.Channels)})
	if status.Code(errors.Unwrap(err)) != codes.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("predict outlived its timeout: %s", elapsed)
	}
}

func TestRemoteClassifierRejectsNegativeProbabilities(t *testing.T) {
	dialer := startInference(t, &fakeInference{probs: []float64{1.2, -0.2, 0, 0}}, healthpb.HealthCheckResponse_SERVING)

	c, err := DialRemoteClassifier(context.Background(), "bufnet", time.Second, time.Second, zap.NewNop(), dialer)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer c.Close()

	_, err = c.Predict(context.Background(), &imaging.Tensor{Data: make([]float32, imaging.Size*imaging.Size*imaging.Channels)})
	if !errors.Is(err, ErrOutputShape) {
		t.Fatalf("expected ErrOutputShape, got %v", err)
	}
}

func TestDecodeProbabilitiesRejectsNonNumbers(t *testing.T) {
	reply, err := structpb.NewStruct(map[string]interface{}{"probabilities": []interface{}{"a", "b", "c", "d"}})
	if err != nil {
		t.Fatalf("build reply: %v", err)
	}
	if _, err := DecodeProbabilities(reply); !errors.Is(err, ErrOutputShape) {
		t.Fatalf("expected ErrOutputShape, got %v", err)
	}
}
