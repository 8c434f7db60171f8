package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/chazu/upy/compiler"
	"github.com/chazu/upy/vm"
)

// Procedure paths. Messages are protobuf well-known types so no generated
// code is needed on either side.
const (
	EvalProcedure           = "/upy.v1.EvalService/Eval"
	CheckProcedure          = "/upy.v1.EvalService/Check"
	CreateSessionProcedure  = "/upy.v1.SessionService/Create"
	DestroySessionProcedure = "/upy.v1.SessionService/Destroy"
)

// EvalService evaluates and checks source. Eval requests carry a struct
// with "source" and optional "session" and "name" fields.
type EvalService struct {
	sessions *SessionStore
	fallback *Session
	checker  *VMWorker
}

// NewEvalService creates an EvalService. Requests without a session run in
// fallback; checks compile on checker, whose Context is otherwise unused.
func NewEvalService(sessions *SessionStore, fallback *Session, checker *VMWorker) *EvalService {
	return &EvalService{
		sessions: sessions,
		fallback: fallback,
		checker:  checker,
	}
}

// Eval compiles and runs source in a session and returns what it printed.
// Script errors are reported in the response, not as RPC errors.
func (s *EvalService) Eval(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	fields := req.Msg.GetFields()
	source := fields["source"].GetStringValue()
	if source == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("source is required"))
	}

	session := s.fallback
	if id := fields["session"].GetStringValue(); id != "" {
		var ok bool
		session, ok = s.sessions.Get(id)
		if !ok {
			return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("session %q not found", id))
		}
	}

	n := session.touch()
	name := fields["name"].GetStringValue()
	if name == "" {
		name = fmt.Sprintf("<eval-%d>", n)
	}

	result, err := session.worker.DoContext(ctx, func(c *vm.Context) any {
		return evaluate(c, name, source)
	})
	if err != nil {
		return nil, workerError(err)
	}

	msg, err := structpb.NewStruct(result.(map[string]any))
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}

// Check compiles source without running it and reports any error as a
// diagnostic.
func (s *EvalService) Check(
	ctx context.Context,
	req *connect.Request[wrapperspb.StringValue],
) (*connect.Response[structpb.Struct], error) {
	source := req.Msg.GetValue()

	result, err := s.checker.DoContext(ctx, func(c *vm.Context) any {
		return check(c, "<check>", source)
	})
	if err != nil {
		return nil, workerError(err)
	}

	var diagnostics []any
	if d, ok := result.(*vm.Error); ok {
		diagnostics = append(diagnostics, errorFields(d))
	}
	msg, err := structpb.NewStruct(map[string]any{
		"valid":       len(diagnostics) == 0,
		"diagnostics": diagnostics,
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}

// evaluate runs on the session's worker goroutine. Top-level bindings of
// the module are published to globals so later evaluations can see them,
// including those made before an uncaught error.
func evaluate(c *vm.Context, name, source string) map[string]any {
	var out bytes.Buffer
	saved := c.Stdout
	c.Stdout = &out
	defer func() { c.Stdout = saved }()

	mod, err := c.CompileString(name, source)
	if err == nil {
		_, err = c.Run(mod)
		c.Publish(mod)
	}

	resp := map[string]any{
		"ok":     err == nil,
		"output": out.String(),
	}
	if err != nil {
		resp["error"] = errorFields(err)
	}
	return resp
}

// check compiles source and returns the compile error, or nil. The module
// is dropped and collected straight away.
func check(c *vm.Context, name, source string) any {
	_, err := compiler.Compile(c, name, source)
	c.Collect()
	if err == nil {
		return nil
	}
	var e *vm.Error
	if errors.As(err, &e) {
		return e
	}
	return &vm.Error{Kind: vm.KindRuntime, Message: err.Error()}
}

// errorFields flattens an error for a response struct.
func errorFields(err error) map[string]any {
	var e *vm.Error
	if !errors.As(err, &e) {
		return map[string]any{"kind": "Error", "message": err.Error()}
	}
	return map[string]any{
		"kind":    e.Kind.String(),
		"message": e.Message,
		"module":  e.Module,
		"line":    e.Line,
		"column":  e.Column,
	}
}

func workerError(err error) error {
	switch {
	case errors.Is(err, ErrWorkerStopped):
		return connect.NewError(connect.CodeUnavailable, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}

// SessionService creates and destroys sessions.
type SessionService struct {
	sessions *SessionStore
}

// NewSessionService creates a SessionService.
func NewSessionService(sessions *SessionStore) *SessionService {
	return &SessionService{sessions: sessions}
}

// Create starts a session named by the request and returns its ID.
func (s *SessionService) Create(
	ctx context.Context,
	req *connect.Request[wrapperspb.StringValue],
) (*connect.Response[wrapperspb.StringValue], error) {
	session := s.sessions.Create(req.Msg.GetValue())
	return connect.NewResponse(wrapperspb.String(session.ID)), nil
}

// Destroy ends the session whose ID is the request value.
func (s *SessionService) Destroy(
	ctx context.Context,
	req *connect.Request[wrapperspb.StringValue],
) (*connect.Response[emptypb.Empty], error) {
	id := req.Msg.GetValue()
	if id == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("session id is required"))
	}
	if !s.sessions.Destroy(id) {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("session %q not found", id))
	}
	return connect.NewResponse(&emptypb.Empty{}), nil
}
