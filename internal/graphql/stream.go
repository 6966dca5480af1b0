package graphql

import (
	"context"
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"

	"gateway/internal/gateway"
)

// Stream yields one response per event of a subscription operation.
type Stream struct {
	ex    *execution
	root  *ast.Definition
	field *ast.Field
	sub   gateway.Subscription
}

// Subscribe starts a subscription operation. The root field handler must
// return a gateway.Subscription; its lifetime is bound to ctx.
func (e *Executor) Subscribe(ctx context.Context, op *Operation) (*Stream, *Response) {
	if op.Type != ast.Subscription {
		return nil, errorResponse(newError(fmt.Sprintf("expected a subscription, got %s", op.Type), CodeValidationFailed))
	}

	root := e.schema.rootType(ast.Subscription)
	if root == nil {
		return nil, errorResponse(newError("schema does not support subscription operations", CodeValidationFailed))
	}

	ex := &execution{Executor: e, op: op}
	fields := ex.collect(root, op.def.SelectionSet, nil)
	if len(fields) != 1 {
		return nil, errorResponse(newError("subscriptions must select exactly one root field", CodeValidationFailed))
	}
	f := fields[0]

	name := root.Name + "." + f.Name
	if !e.engine.Has(name) {
		return nil, errorResponse(newError(fmt.Sprintf("no subscription resolver for %s", name), gateway.CodeUnknownOperation))
	}

	res, err := e.engine.Resolve(ctx, name, f.ArgumentMap(op.vars))
	if err != nil {
		return nil, errorResponse(fromResolveError(err, []any{responseKey(f)}, location(f)))
	}
	sub, ok := res.(gateway.Subscription)
	if !ok {
		return nil, errorResponse(newError(fmt.Sprintf("%s did not return a subscription", name), gateway.CodeInternalServerError))
	}

	return &Stream{ex: ex, root: root, field: f, sub: sub}, nil
}

// ID returns the underlying bus handle ID.
func (s *Stream) ID() string { return s.sub.ID() }

// Next blocks for the next event and executes the field selection against
// it. The event payload is the root value: the field reads its own name
// from it.
func (s *Stream) Next(ctx context.Context) (*Response, error) {
	ev, err := s.sub.Next(ctx)
	if err != nil {
		return nil, err
	}

	ex := &execution{Executor: s.ex.Executor, op: s.ex.op}
	key := responseKey(s.field)
	v, ok := ex.complete(ctx, s.field, s.root.Name+"."+s.field.Name, s.field.Definition.Type,
		lookup(ev.Payload, s.field.Name), []any{key})
	if !ok && !s.field.Definition.Type.NonNull {
		v, ok = nil, true
	}

	resp := &Response{Errors: ex.errs}
	if ok {
		resp.Data = map[string]any{key: v}
	}
	return resp, nil
}

// Done is closed once the stream ends.
func (s *Stream) Done() <-chan struct{} { return s.sub.Done() }

// Close cancels the subscription. Safe to call more than once.
func (s *Stream) Close() { s.sub.Unsubscribe() }
