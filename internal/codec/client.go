package codec

import (
	"context"
	"fmt"

	"github.com/danielpatrickdp/residue-eval/internal/adapter"
	"github.com/danielpatrickdp/residue-eval/internal/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// CompleteMethod is the full RPC name served by the model sidecar.
// Request and response are google.protobuf.Struct so the sidecar needs no generated stubs.
const CompleteMethod = "/residue.v1.ModelService/Complete"

// #region client-struct
// Client is an adapter.Adapter that forwards completions to a gRPC model service.
type Client struct {
	conn        *grpc.ClientConn // nil when built over an injected connection
	cc          grpc.ClientConnInterface
	topLogProbs int
}
// #endregion client-struct

// #region constructor
// NewClient connects to the model service at addr.
func NewClient(addr string, topLogProbs int) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{conn: conn, cc: conn, topLogProbs: topLogProbs}, nil
}

// NewClientWithConn creates a Client over an existing connection.
// Used for testing without a real gRPC server.
func NewClientWithConn(cc grpc.ClientConnInterface, topLogProbs int) *Client {
	return &Client{cc: cc, topLogProbs: topLogProbs}
}
// #endregion constructor

// #region close
// Close shuts down the gRPC connection if the client owns one.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
// #endregion close

// #region complete
// Complete sends the prompt and its recursion history to the model service.
func (c *Client) Complete(ctx context.Context, req adapter.Request) (adapter.Completion, error) {
	in, err := encodeRequest(req, c.topLogProbs)
	if err != nil {
		return adapter.Completion{}, adapter.PermanentError("encode request", err)
	}

	out := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, CompleteMethod, in, out); err != nil {
		return adapter.Completion{}, classify(err)
	}

	comp, err := decodeCompletion(out)
	if err != nil {
		return adapter.Completion{}, adapter.PermanentError("decode response", err)
	}
	return comp, nil
}
// #endregion complete

// #region wire
func encodeRequest(req adapter.Request, topLogProbs int) (*structpb.Struct, error) {
	history := make([]any, len(req.History))
	for i, t := range req.History {
		history[i] = map[string]any{"prompt": t.Prompt, "completion": t.Completion}
	}
	return structpb.NewStruct(map[string]any{
		"prompt":       req.Prompt,
		"history":      history,
		"probe_id":     req.ProbeID,
		"shell":        req.Shell,
		"depth":        req.Depth,
		"top_logprobs": topLogProbs,
	})
}

func decodeCompletion(s *structpb.Struct) (adapter.Completion, error) {
	fields := s.GetFields()
	textVal, ok := fields["text"]
	if !ok {
		return adapter.Completion{}, fmt.Errorf("response missing %q", "text")
	}
	comp := adapter.Completion{Text: textVal.GetStringValue()}

	for i, v := range fields["tokens"].GetListValue().GetValues() {
		tf := v.GetStructValue().GetFields()
		if tf == nil {
			return adapter.Completion{}, fmt.Errorf("token %d: not an object", i)
		}
		prob := tf["prob"].GetNumberValue()
		if prob < 0 || prob > 1 {
			return adapter.Completion{}, fmt.Errorf("token %d: probability %f out of range", i, prob)
		}
		tp := trace.TokenProb{Token: tf["token"].GetStringValue(), Prob: prob}
		for _, alt := range tf["top_k"].GetListValue().GetValues() {
			tp.TopK = append(tp.TopK, alt.GetNumberValue())
		}
		comp.Tokens = append(comp.Tokens, tp)
	}
	return comp, nil
}
// #endregion wire

// #region classify
// classify maps gRPC status codes onto the adapter's retry taxonomy.
func classify(err error) error {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.PermissionDenied, codes.Unauthenticated,
		codes.FailedPrecondition, codes.Unimplemented, codes.NotFound:
		return adapter.PermanentError("complete rpc", err)
	default:
		// Unavailable, DeadlineExceeded, ResourceExhausted, Aborted and the rest.
		return adapter.TransientError("complete rpc", err)
	}
}
// #endregion classify
