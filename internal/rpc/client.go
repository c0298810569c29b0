package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/jobrelay/pkg/types"
)

// Response is a decoded lifecycle response.
type Response struct {
	Job             types.Job     `json:"job"`
	HandlerFailures []FailureInfo `json:"handler_failures,omitempty"`
}

// Client calls jobrelay.v1.Lifecycle. Errors are gRPC status errors.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn // nil when built with NewClient
}

// Dial connects to a jobrelay daemon at addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close closes a connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) CreateJob(ctx context.Context, definition json.RawMessage) (*Response, error) {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	if len(definition) > 0 {
		v := new(structpb.Value)
		if err := v.UnmarshalJSON(definition); err != nil {
			return nil, fmt.Errorf("definition: %w", err)
		}
		req.Fields[fieldDefinition] = v
	}
	return c.call(ctx, MethodCreateJob, req)
}

func (c *Client) AssignJob(ctx context.Context, id types.JobID, deviceScope string) (*Response, error) {
	return c.call(ctx, MethodAssignJob, &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldJobID:       structpb.NewStringValue(string(id)),
		fieldDeviceScope: structpb.NewStringValue(deviceScope),
	}})
}

func (c *Client) DeleteJob(ctx context.Context, id types.JobID) (*Response, error) {
	return c.call(ctx, MethodDeleteJob, idRequest(id))
}

func (c *Client) GetJob(ctx context.Context, id types.JobID) (*Response, error) {
	return c.call(ctx, MethodGetJob, idRequest(id))
}

func idRequest(id types.JobID) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldJobID: structpb.NewStringValue(string(id)),
	}}
}

func (c *Client) call(ctx context.Context, method string, req *structpb.Struct) (*Response, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), req, out); err != nil {
		return nil, err
	}
	var resp Response
	if err := fromStruct(out, &resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	return &resp, nil
}
