package tools

import (
	"context"
	"encoding/json"
	"time"
)

// Func adapts a typed function into a ports.Tool. In is the input struct;
// its validate tags form the input schema.
type Func[In any] struct {
	name        string
	description string
	timeout     time.Duration
	fn          func(ctx context.Context, in *In) (map[string]interface{}, error)
}

// NewFunc builds a Func tool. A zero timeout uses the registry default.
func NewFunc[In any](name, description string, timeout time.Duration, fn func(ctx context.Context, in *In) (map[string]interface{}, error)) *Func[In] {
	return &Func[In]{name: name, description: description, timeout: timeout, fn: fn}
}

func (f *Func[In]) Name() string           { return f.name }
func (f *Func[In]) Description() string    { return f.description }
func (f *Func[In]) Timeout() time.Duration { return f.timeout }
func (f *Func[In]) NewInput() interface{}  { return new(In) }

func (f *Func[In]) Run(ctx context.Context, input interface{}) (map[string]interface{}, error) {
	return f.fn(ctx, input.(*In))
}

// ToData projects a typed tool result into the untyped response payload.
func ToData(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{})
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeData reads a response payload back into a typed value.
func DecodeData(data map[string]interface{}, out interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
