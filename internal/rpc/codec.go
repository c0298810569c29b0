package rpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/jobrelay/internal/coordinator"
	"github.com/ChuLiYu/jobrelay/pkg/types"
)

// Request fields.
const (
	fieldDefinition  = "definition"
	fieldJobID       = "job_id"
	fieldDeviceScope = "device_scope"
)

// FailureInfo is the wire form of one handler failure.
type FailureInfo struct {
	Handler  string `json:"handler"`
	Hook     string `json:"hook"`
	Reason   string `json:"reason"`
	Error    string `json:"error"`
	TimedOut bool   `json:"timed_out"`
}

// Failures converts a partial failure into its wire form.
func Failures(p *coordinator.PartialHandlerFailure) []FailureInfo {
	if p == nil {
		return nil
	}
	out := make([]FailureInfo, 0, len(p.Failures))
	for _, f := range p.Failures {
		out = append(out, FailureInfo{
			Handler:  f.Entry.Name,
			Hook:     string(f.Hook),
			Reason:   f.Reason,
			Error:    f.Err.Error(),
			TimedOut: f.TimedOut(),
		})
	}
	return out
}

// toStruct converts any JSON-encodable value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes a Struct into v through its JSON form.
func fromStruct(s *structpb.Struct, v any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

type jobResponse struct {
	Job             types.Job     `json:"job"`
	HandlerFailures []FailureInfo `json:"handler_failures,omitempty"`
}

func encodeResult(res *coordinator.Result) (*structpb.Struct, error) {
	return toStruct(jobResponse{Job: res.Job, HandlerFailures: Failures(res.Failures)})
}

func encodeJob(job types.Job) (*structpb.Struct, error) {
	return toStruct(jobResponse{Job: job})
}

// stringField returns a required string field of req.
func stringField(req *structpb.Struct, name string) (string, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return "", fmt.Errorf("%w: missing %s", coordinator.ErrInvalidArgument, name)
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", coordinator.ErrInvalidArgument, name)
	}
	return s.StringValue, nil
}

// definitionField returns the JSON encoding of req.definition, or nil when
// it is absent.
func definitionField(req *structpb.Struct) (json.RawMessage, error) {
	v, ok := req.GetFields()[fieldDefinition]
	if !ok {
		return nil, nil
	}
	raw, err := v.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("%w: definition: %v", coordinator.ErrInvalidArgument, err)
	}
	return raw, nil
}
