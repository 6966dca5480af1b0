package graphql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/parser"
	"github.com/vektah/gqlparser/v2/validator"
	"go.uber.org/zap"

	"gateway/internal/gateway"
	validate "gateway/internal/validator"
)

// Operation is a parsed, validated operation ready to execute.
type Operation struct {
	Type ast.Operation
	Name string

	doc  *ast.QueryDocument
	def  *ast.OperationDefinition
	vars map[string]any
}

// Executor runs operations against the handlers registered with an engine.
// Fields without a handler resolve to the same-named property of their
// parent object.
type Executor struct {
	schema *Schema
	engine gateway.Engine
	logger *zap.Logger
}

// NewExecutor creates an executor over a bound schema.
func NewExecutor(schema *Schema, engine gateway.Engine, logger *zap.Logger) (*Executor, error) {
	e := Executor{
		schema: schema,
		engine: engine,
		logger: logger,
	}

	if err := validate.Validate("executor", e.schema, e.engine, e.logger); err != nil {
		return nil, fmt.Errorf("failed to validate executor deps: %w", err)
	}
	e.logger = e.logger.Named("executor")

	return &e, nil
}

// Do prepares and executes req in one step.
func (e *Executor) Do(ctx context.Context, req *Request) *Response {
	op, resp := e.Prepare(req)
	if resp != nil {
		return resp
	}
	return e.Execute(ctx, op)
}

// Prepare parses and validates req. On failure the returned response holds
// the errors and no data.
func (e *Executor) Prepare(req *Request) (*Operation, *Response) {
	if req == nil || req.Query == "" {
		return nil, errorResponse(newError("query is required", CodeParseFailed))
	}

	if _, err := parser.ParseQuery(&ast.Source{Name: "query", Input: req.Query}); err != nil {
		return nil, errorResponse(parseErrors(err)...)
	}
	// LoadQuery validates and links every field to its schema definition.
	doc, list := gqlparser.LoadQuery(e.schema.AST(), req.Query)
	if len(list) > 0 {
		return nil, errorResponse(fromGQLErrors(list, CodeValidationFailed)...)
	}

	def, gerr := selectOperation(doc, req.OperationName)
	if gerr != nil {
		return nil, errorResponse(gerr)
	}

	vars, verr := validator.VariableValues(e.schema.AST(), def, req.Variables)
	if verr != nil {
		return nil, errorResponse(parseErrors(verr, gateway.CodeBadUserInput)...)
	}

	return &Operation{
		Type: def.Operation,
		Name: def.Name,
		doc:  doc,
		def:  def,
		vars: vars,
	}, nil
}

func selectOperation(doc *ast.QueryDocument, name string) (*ast.OperationDefinition, *Error) {
	if name == "" {
		if len(doc.Operations) != 1 {
			return nil, newError("operationName is required for documents with several operations", CodeValidationFailed)
		}
		return doc.Operations[0], nil
	}
	for _, op := range doc.Operations {
		if op.Name == name {
			return op, nil
		}
	}
	return nil, newError(fmt.Sprintf("unknown operation %q", name), CodeValidationFailed)
}

func parseErrors(err error, code ...string) []*Error {
	c := CodeParseFailed
	if len(code) > 0 {
		c = code[0]
	}

	var list gqlerror.List
	if errors.As(err, &list) {
		return fromGQLErrors(list, c)
	}
	var one *gqlerror.Error
	if errors.As(err, &one) {
		return fromGQLErrors(gqlerror.List{one}, c)
	}
	return []*Error{newError(err.Error(), c)}
}

// Execute runs a query or mutation. Root mutation fields run one after the
// other in document order.
func (e *Executor) Execute(ctx context.Context, op *Operation) *Response {
	if op.Type == ast.Subscription {
		return errorResponse(newError("subscriptions require a streaming transport", CodeValidationFailed))
	}

	root := e.schema.rootType(op.Type)
	if root == nil {
		return errorResponse(newError(fmt.Sprintf("schema does not support %s operations", op.Type), CodeValidationFailed))
	}

	ex := &execution{Executor: e, op: op}
	data, ok := ex.selectionSet(ctx, root, nil, op.def.SelectionSet, nil)

	resp := &Response{Errors: ex.errs}
	if ok {
		resp.Data = data
	}
	return resp
}

// execution carries the per-request state of one operation.
type execution struct {
	*Executor
	op   *Operation
	errs []*Error
}

func (ex *execution) fail(err *Error) {
	ex.errs = append(ex.errs, err)
}

// selectionSet resolves fields against source. ok is false when a non-null
// field failed, in which case the whole object is null.
func (ex *execution) selectionSet(ctx context.Context, def *ast.Definition, source any, set ast.SelectionSet, path []any) (map[string]any, bool) {
	fields := ex.collect(def, set, nil)
	out := make(map[string]any, len(fields))

	for _, f := range fields {
		key := responseKey(f)
		if f.Name == "__typename" {
			out[key] = def.Name
			continue
		}

		fieldPath := appendPath(path, key)
		v, ok := ex.field(ctx, def, source, f, fieldPath)
		if !ok {
			if f.Definition != nil && f.Definition.Type.NonNull {
				return nil, false
			}
			v = nil
		}
		out[key] = v
	}

	return out, true
}

// collect flattens fragments and applies @skip/@include. Later fields with
// the same response key are dropped, their selections merged.
func (ex *execution) collect(def *ast.Definition, set ast.SelectionSet, acc []*ast.Field) []*ast.Field {
	for _, sel := range set {
		switch s := sel.(type) {
		case *ast.Field:
			if !ex.included(s.Directives) {
				continue
			}
			if i := indexOf(acc, responseKey(s)); i >= 0 {
				merged := *acc[i]
				merged.SelectionSet = append(append(ast.SelectionSet{}, merged.SelectionSet...), s.SelectionSet...)
				acc[i] = &merged
				continue
			}
			acc = append(acc, s)
		case *ast.InlineFragment:
			if !ex.included(s.Directives) || !ex.applies(def, s.TypeCondition) {
				continue
			}
			acc = ex.collect(def, s.SelectionSet, acc)
		case *ast.FragmentSpread:
			if !ex.included(s.Directives) {
				continue
			}
			frag := ex.op.doc.Fragments.ForName(s.Name)
			if frag == nil || !ex.applies(def, frag.TypeCondition) {
				continue
			}
			acc = ex.collect(def, frag.SelectionSet, acc)
		}
	}
	return acc
}

func (ex *execution) included(dirs ast.DirectiveList) bool {
	for _, d := range dirs {
		if d.Name != "skip" && d.Name != "include" {
			continue
		}
		arg := d.Arguments.ForName("if")
		if arg == nil {
			continue
		}
		v, err := arg.Value.Value(ex.op.vars)
		if err != nil {
			continue
		}
		b, _ := v.(bool)
		if d.Name == "skip" && b {
			return false
		}
		if d.Name == "include" && !b {
			return false
		}
	}
	return true
}

func (ex *execution) applies(def *ast.Definition, condition string) bool {
	if condition == "" || condition == def.Name {
		return true
	}
	cond := ex.schema.AST().Types[condition]
	if cond == nil || !cond.IsAbstractType() {
		return false
	}
	for _, t := range ex.schema.AST().GetPossibleTypes(cond) {
		if t.Name == def.Name {
			return true
		}
	}
	return false
}

// field resolves one field and completes its value against the field type.
func (ex *execution) field(ctx context.Context, parent *ast.Definition, source any, f *ast.Field, path []any) (any, bool) {
	if f.Definition == nil {
		ex.fail(&Error{Message: fmt.Sprintf("unknown field %s.%s", parent.Name, f.Name), Path: path, Extensions: map[string]any{"code": CodeValidationFailed}})
		return nil, false
	}

	name := parent.Name + "." + f.Name

	var (
		res any
		err error
	)
	if ex.engine.Has(name) {
		res, err = ex.engine.Resolve(gateway.WithSource(ctx, source), name, f.ArgumentMap(ex.op.vars))
	} else {
		res = lookup(source, f.Name)
	}
	if err != nil {
		ex.logger.Debug("field failed", zap.String("field", name), zap.Error(err))
		ex.fail(fromResolveError(err, path, location(f)))
		return nil, false
	}

	return ex.complete(ctx, f, name, f.Definition.Type, res, path)
}

func (ex *execution) complete(ctx context.Context, f *ast.Field, name string, typ *ast.Type, v any, path []any) (any, bool) {
	if isNil(v) {
		if typ.NonNull {
			ex.fail(&Error{
				Message:    fmt.Sprintf("Cannot return null for non-nullable field %s.", name),
				Locations:  []Location{location(f)},
				Path:       path,
				Extensions: map[string]any{"code": gateway.CodeInternalServerError},
			})
			return nil, false
		}
		return nil, true
	}

	if typ.Elem != nil {
		return ex.completeList(ctx, f, name, typ, v, path)
	}

	def := ex.schema.AST().Types[typ.NamedType]
	if def == nil {
		ex.fail(&Error{Message: fmt.Sprintf("unknown type %s", typ.NamedType), Path: path})
		return nil, false
	}

	switch def.Kind {
	case ast.Scalar, ast.Enum:
		out, err := serialize(def.Name, v)
		if err != nil {
			ex.fail(&Error{Message: fmt.Sprintf("%s: %v", name, err), Locations: []Location{location(f)}, Path: path,
				Extensions: map[string]any{"code": gateway.CodeInternalServerError}})
			return nil, false
		}
		return out, true
	case ast.Interface, ast.Union:
		concrete := ex.concreteType(def, v)
		if concrete == nil {
			ex.fail(&Error{Message: fmt.Sprintf("cannot determine concrete type of %s", def.Name), Path: path})
			return nil, false
		}
		def = concrete
	}

	return ex.selectionSet(ctx, def, v, f.SelectionSet, path)
}

func (ex *execution) completeList(ctx context.Context, f *ast.Field, name string, typ *ast.Type, v any, path []any) (any, bool) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		ex.fail(&Error{Message: fmt.Sprintf("%s: expected a list, got %T", name, v), Path: path})
		return nil, false
	}

	out := make([]any, rv.Len())
	for i := range rv.Len() {
		item, ok := ex.complete(ctx, f, name, typ.Elem, rv.Index(i).Interface(), appendPath(path, i))
		if !ok {
			if typ.Elem.NonNull {
				return nil, false
			}
			item = nil
		}
		out[i] = item
	}
	return out, true
}

func (ex *execution) concreteType(def *ast.Definition, v any) *ast.Definition {
	possible := ex.schema.AST().GetPossibleTypes(def)
	if name, ok := lookup(v, "__typename").(string); ok {
		for _, t := range possible {
			if t.Name == name {
				return t
			}
		}
		return nil
	}
	if len(possible) == 1 {
		return possible[0]
	}
	return nil
}

// serialize coerces a resolved leaf value to its scalar representation.
func serialize(scalar string, v any) (any, error) {
	if n, ok := v.(json.Number); ok {
		if scalar == "Int" {
			return n.Int64()
		}
		v = n.String()
	}

	switch scalar {
	case "String":
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	case "ID":
		switch id := v.(type) {
		case string:
			return id, nil
		case float64:
			return strconv.FormatFloat(id, 'f', -1, 64), nil
		}
		return fmt.Sprint(v), nil
	case "Boolean":
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("cannot represent %T as Boolean", v)
	case "Int":
		f, ok := number(v)
		if !ok || f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
			return nil, fmt.Errorf("cannot represent %v as Int", v)
		}
		return int64(f), nil
	case "Float":
		f, ok := number(v)
		if !ok {
			return nil, fmt.Errorf("cannot represent %v as Float", v)
		}
		return f, nil
	}
	return v, nil
}

func number(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	case reflect.String:
		f, err := strconv.ParseFloat(rv.String(), 64)
		return f, err == nil
	}
	return 0, false
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func responseKey(f *ast.Field) string {
	if f.Alias != "" {
		return f.Alias
	}
	return f.Name
}

func indexOf(fields []*ast.Field, key string) int {
	for i, f := range fields {
		if responseKey(f) == key {
			return i
		}
	}
	return -1
}

func appendPath(path []any, elem any) []any {
	out := make([]any, len(path), len(path)+1)
	copy(out, path)
	return append(out, elem)
}

func location(f *ast.Field) Location {
	if f.Position == nil {
		return Location{}
	}
	return Location{Line: f.Position.Line, Column: f.Position.Column}
}
