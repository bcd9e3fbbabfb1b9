package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"time"

	"github.com/go-playground/validator/v10"

	"energyagent/domain/core"
	"energyagent/internal"
	"energyagent/ports"
)

type outcome struct {
	data  map[string]interface{}
	err   error
	stack []byte
}

// Invoke validates params against the tool's input schema, runs the tool on
// a one-shot goroutine bounded by its timeout and records the call. It never
// panics and never returns an error: every failure is a response with
// OK=false. A timed-out body is abandoned with its context cancelled; any
// side effects it still performs are not rolled back.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]interface{}, toolCallID core.ToolCallID) ports.ToolResponse {
	start := time.Now()
	if toolCallID == "" {
		toolCallID = core.NewToolCallID()
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	if r.logger.GetLevel() >= internal.LogLevelTrace {
		if raw, err := json.Marshal(params); err == nil {
			r.logger.Trace("tool %s params %s (call %s)", name, raw, toolCallID)
		}
	}

	resp := r.invoke(ctx, name, params)
	resp.ToolCallID = toolCallID
	resp.Name = name
	resp.ElapsedMs = time.Since(start).Milliseconds()
	if resp.Data == nil {
		resp.Data = map[string]interface{}{}
	}

	r.record(ports.ToolCallRecord{
		ToolCallID: toolCallID,
		Name:       name,
		Params:     maps.Clone(params),
		Response:   resp,
	})

	if resp.OK {
		r.logger.Debug("tool %s ok in %dms (call %s)", name, resp.ElapsedMs, toolCallID)
	} else {
		r.logger.Warn("tool %s failed: %s: %s (call %s)", name, resp.Error.Type, resp.Error.Message, toolCallID)
	}
	return resp
}

func (r *Registry) invoke(ctx context.Context, name string, params map[string]interface{}) ports.ToolResponse {
	tool, err := r.Get(name)
	if err != nil {
		return failure(ports.ToolErrNotFound, err.Error(), nil)
	}

	input, err := r.decode(tool, params)
	if err != nil {
		return failure(ports.ToolErrValidation, err.Error(), validationDetails(err))
	}

	timeout := r.timeoutFor(tool)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", rec), stack: debug.Stack()}
			}
		}()
		data, err := tool.Run(runCtx, input)
		done <- outcome{data: data, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			return fromError(out)
		}
		return ports.ToolResponse{OK: true, Data: out.data}
	case <-timer.C:
		return failure(ports.ToolErrTimeout, fmt.Sprintf("tool %s exceeded %s", name, timeout),
			map[string]interface{}{"timeout_s": timeout.Seconds()})
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return failure(ports.ToolErrTimeout, ctx.Err().Error(), nil)
		}
		return failure(ports.ToolErrException, ctx.Err().Error(), nil)
	}
}

// decode turns params into the tool's input struct and validates it.
func (r *Registry) decode(tool ports.Tool, params map[string]interface{}) (interface{}, error) {
	input := tool.NewInput()
	if input == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("params are not serializable: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(input); err != nil {
		return nil, fmt.Errorf("params do not match schema: %w", err)
	}
	if err := r.validate.Struct(input); err != nil {
		return nil, err
	}
	return input, nil
}

func validationDetails(err error) map[string]interface{} {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return nil
	}
	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, fmt.Sprintf("%s:%s", fe.Field(), fe.Tag()))
	}
	return map[string]interface{}{"fields": fields}
}

func fromError(out outcome) ports.ToolResponse {
	var typed *Error
	if errors.As(out.err, &typed) {
		return failure(typed.Type, typed.Message, typed.Details)
	}
	var details map[string]interface{}
	if out.stack != nil {
		details = map[string]interface{}{"stack": string(out.stack)}
	}
	return failure(ports.ToolErrException, out.err.Error(), details)
}

func failure(t ports.ToolErrorType, msg string, details map[string]interface{}) ports.ToolResponse {
	return ports.ToolResponse{
		OK:    false,
		Data:  map[string]interface{}{},
		Error: &ports.ToolError{Type: t, Message: msg, Details: details},
	}
}
