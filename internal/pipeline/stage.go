package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"loom/internal/services/remote"
)

// Request is what a stage function receives: the job's payload plus the
// artifact references recorded by earlier stages.
type Request struct {
	JobID   string
	Payload json.RawMessage
	Outputs map[string]string
}

// Func performs one stage of work and returns the artifact reference it
// produced. Errors must carry the transient/permanent taxonomy from the
// services package; untagged errors are treated as permanent.
type Func func(ctx context.Context, req Request) (string, error)

// Stage binds a name to its function, retry policy, and progress weight.
type Stage struct {
	Name   string
	Weight int
	Policy remote.Policy
	Run    Func
}

// RemoteStage adapts a remote endpoint caller into a stage function.
func RemoteStage(caller *remote.Caller) Func {
	return func(ctx context.Context, req Request) (string, error) {
		output, err := caller.Invoke(ctx, remote.Request{
			JobID:   req.JobID,
			Payload: req.Payload,
			Outputs: req.Outputs,
		})
		if err != nil {
			return "", err
		}
		return refFromOutput(output), nil
	}
}

// refFromOutput extracts the artifact reference from a stage response
// output, which services send either as a bare string or as {"ref": ...}.
func refFromOutput(raw json.RawMessage) string {
	var ref string
	if err := json.Unmarshal(raw, &ref); err == nil {
		return ref
	}
	var wrapped struct {
		Ref string `json:"ref"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Ref != "" {
		return wrapped.Ref
	}
	return strings.TrimSpace(string(raw))
}
