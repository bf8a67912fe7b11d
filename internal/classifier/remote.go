package classifier

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/neuroscan/internal/diagnosis"
	"github.com/example/neuroscan/internal/imaging"
	"github.com/example/neuroscan/internal/logging"
)

// Wire contract of the inference sidecar. The request is a BytesValue holding the HWC tensor
// as little-endian float32; the reply is a Struct with a "probabilities" list in label order.
const (
	InferenceService = "neuroscan.inference.v1.Inference"
	PredictMethod    = "/" + InferenceService + "/Predict"
)

const defaultPredictTimeout = 10 * time.Second

// RemoteClassifier delegates inference to a gRPC sidecar serving a real model.
type RemoteClassifier struct {
	conn    *grpc.ClientConn
	logger  *zap.Logger
	timeout time.Duration
}

// DialRemoteClassifier connects to the sidecar and requires it to report SERVING before returning.
// predictTimeout bounds each Predict call.
func DialRemoteClassifier(ctx context.Context, addr string, dialTimeout, predictTimeout time.Duration, logger *zap.Logger, opts ...grpc.DialOption) (*RemoteClassifier, error) {
	if predictTimeout <= 0 {
		predictTimeout = defaultPredictTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("classifier.dial_inference", "", err)
		logger.Error("failed to dial inference service", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}

	resp, err := healthpb.NewHealthClient(conn).Check(dialCtx, &healthpb.HealthCheckRequest{Service: InferenceService})
	if err != nil {
		conn.Close()
		return nil, logging.NewOperationError("classifier.health_check", "", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		conn.Close()
		return nil, logging.NewOperationError("classifier.health_check", "", fmt.Errorf("inference service status %s", resp.GetStatus()))
	}

	return &RemoteClassifier{conn: conn, logger: logger.Named("remote_classifier"), timeout: predictTimeout}, nil
}

func (r *RemoteClassifier) Mode() string { return ModeRemote }

// Predict sends the tensor to the sidecar.
func (r *RemoteClassifier) Predict(ctx context.Context, tensor *imaging.Tensor) (diagnosis.Probabilities, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	reply := &structpb.Struct{}
	if err := r.conn.Invoke(callCtx, PredictMethod, EncodeTensor(tensor), reply); err != nil {
		wrapped := logging.NewOperationError("classifier.remote_predict", "", err)
		r.logger.Error("inference call failed", zap.Error(wrapped))
		return nil, wrapped
	}
	return DecodeProbabilities(reply)
}

// Close tears down the connection.
func (r *RemoteClassifier) Close() error {
	return r.conn.Close()
}

// EncodeTensor packs a tensor into the sidecar request message.
func EncodeTensor(tensor *imaging.Tensor) *wrapperspb.BytesValue {
	buf := make([]byte, 4*len(tensor.Data))
	for i, v := range tensor.Data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return wrapperspb.Bytes(buf)
}

// DecodeTensor is the inverse of EncodeTensor.
func DecodeTensor(msg *wrapperspb.BytesValue) (*imaging.Tensor, error) {
	raw := msg.GetValue()
	if len(raw) != 4*imaging.Size*imaging.Size*imaging.Channels {
		return nil, fmt.Errorf("tensor payload has %d bytes", len(raw))
	}
	data := make([]float32, len(raw)/4)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return &imaging.Tensor{Data: data}, nil
}

// NewProbabilitiesReply builds the sidecar reply message.
func NewProbabilitiesReply(probs []float64) (*structpb.Struct, error) {
	values := make([]interface{}, len(probs))
	for i, p := range probs {
		values[i] = p
	}
	return structpb.NewStruct(map[string]interface{}{"probabilities": values})
}

// DecodeProbabilities extracts the probability list from a sidecar reply.
func DecodeProbabilities(reply *structpb.Struct) (diagnosis.Probabilities, error) {
	list := reply.GetFields()["probabilities"].GetListValue()
	if list == nil {
		return nil, ErrOutputShape
	}
	probs := make([]float64, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		if _, ok := v.GetKind().(*structpb.Value_NumberValue); !ok {
			return nil, ErrOutputShape
		}
		probs = append(probs, v.GetNumberValue())
	}
	return checkOutput(probs)
}
