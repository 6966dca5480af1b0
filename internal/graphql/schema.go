// Package graphql binds a GraphQL SDL to a gateway.Engine and serves it
// over HTTP and WebSocket transports.
package graphql

import (
	"fmt"
	"slices"
	"strings"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"go.uber.org/zap"

	"gateway/internal/gateway"
	"gateway/internal/gateway/interceptor"
)

// LogDirective is the name of the field logging directive.
const LogDirective = "log"

// Resolvers maps "Type.field" paths to their handlers.
type Resolvers map[string]gateway.Handler

// Schema is a parsed SDL plus the lookups the executor needs.
type Schema struct {
	ast    *ast.Schema
	source string
}

// ParseSchema parses a GraphQL SDL string. Only structural validation is
// performed.
func ParseSchema(sdl string) (*Schema, error) {
	schema, err := gqlparser.LoadSchema(&ast.Source{Name: "schema", Input: sdl})
	if err != nil {
		return nil, fmt.Errorf("failed to parse GraphQL schema: %w", err)
	}

	return &Schema{ast: schema, source: sdl}, nil
}

// AST returns the underlying gqlparser schema.
func (s *Schema) AST() *ast.Schema { return s.ast }

// Source returns the SDL the schema was parsed from.
func (s *Schema) Source() string { return s.source }

// InputTypes returns the names of every type usable as an argument: scalars,
// enums and input objects.
func (s *Schema) InputTypes() []string {
	var names []string
	for name, def := range s.ast.Types {
		switch def.Kind {
		case ast.Scalar, ast.Enum, ast.InputObject:
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Bind registers every resolver with engine under its "Type.field" path.
// Fields carrying @log are wrapped with an interceptor.Log and registered
// even when no resolver is given, falling back to a property lookup on the
// parent object. Arguments declared by interceptors are added to the field
// definition so queries may pass them.
func (s *Schema) Bind(engine gateway.Engine, resolvers Resolvers, logger *zap.Logger) error {
	for path := range resolvers {
		if s.field(path) == nil {
			return gateway.ConfigurationError("resolver for %q matches no schema field", path).WithOperation(path)
		}
	}

	for _, def := range s.objects() {
		for _, f := range def.Fields {
			if strings.HasPrefix(f.Name, "__") {
				continue
			}
			path := def.Name + "." + f.Name

			interceptors, err := s.interceptors(path, f, logger)
			if err != nil {
				return err
			}

			handler, ok := resolvers[path]
			if !ok {
				if len(interceptors) == 0 {
					continue
				}
				handler = Property(f.Name)
			}

			if err := s.inject(path, f, interceptors); err != nil {
				return err
			}
			if err := engine.Register(path, handler, interceptors...); err != nil {
				return fmt.Errorf("failed to register %s: %w", path, err)
			}
		}
	}

	return nil
}

func (s *Schema) interceptors(path string, f *ast.FieldDefinition, logger *zap.Logger) ([]gateway.Interceptor, error) {
	var out []gateway.Interceptor
	for _, d := range f.Directives {
		if d.Name != LogDirective {
			continue
		}
		msg, err := s.directiveString(d, "message")
		if err != nil {
			return nil, err.WithOperation(path)
		}
		out = append(out, interceptor.NewLog(logger, path, interceptor.LogConfig{Message: msg}))
	}
	return out, nil
}

// directiveString returns a string argument of d, falling back to the
// default declared on the directive definition.
func (s *Schema) directiveString(d *ast.Directive, name string) (string, *gateway.Error) {
	v := d.Arguments.ForName(name)
	if v == nil || v.Value == nil {
		def := s.ast.Directives[d.Name]
		if def == nil {
			return "", gateway.ConfigurationError("directive @%s is not declared", d.Name)
		}
		arg := def.Arguments.ForName(name)
		if arg == nil || arg.DefaultValue == nil {
			return "", nil
		}
		return arg.DefaultValue.Raw, nil
	}
	if v.Value.Kind != ast.StringValue && v.Value.Kind != ast.BlockValue {
		return "", gateway.ConfigurationError("@%s(%s:) must be a string literal", d.Name, name)
	}
	return v.Value.Raw, nil
}

// inject adds interceptor-declared arguments to the field definition.
func (s *Schema) inject(path string, f *ast.FieldDefinition, interceptors []gateway.Interceptor) error {
	for _, ic := range interceptors {
		inj, ok := ic.(gateway.ArgInjector)
		if !ok {
			continue
		}
		for _, spec := range inj.InjectedArgs() {
			if f.Arguments.ForName(spec.Name) != nil {
				return gateway.ConfigurationError("argument %q is already declared", spec.Name).WithOperation(path)
			}
			if def := s.ast.Types[spec.Type]; def == nil || !def.IsInputType() {
				return gateway.ConfigurationError("argument %q has unknown input type %q", spec.Name, spec.Type).WithOperation(path)
			}
			f.Arguments = append(f.Arguments, &ast.ArgumentDefinition{
				Name: spec.Name,
				Type: ast.NamedType(spec.Type, nil),
			})
		}
	}
	return nil
}

// objects returns the user-declared object types in name order.
func (s *Schema) objects() []*ast.Definition {
	var defs []*ast.Definition
	for _, def := range s.ast.Types {
		if def.Kind == ast.Object && !def.BuiltIn && !strings.HasPrefix(def.Name, "__") {
			defs = append(defs, def)
		}
	}
	slices.SortFunc(defs, func(a, b *ast.Definition) int { return strings.Compare(a.Name, b.Name) })
	return defs
}

func (s *Schema) field(path string) *ast.FieldDefinition {
	typeName, fieldName, ok := strings.Cut(path, ".")
	if !ok {
		return nil
	}
	def := s.ast.Types[typeName]
	if def == nil {
		return nil
	}
	return def.Fields.ForName(fieldName)
}

func (s *Schema) rootType(op ast.Operation) *ast.Definition {
	switch op {
	case ast.Query:
		return s.ast.Query
	case ast.Mutation:
		return s.ast.Mutation
	case ast.Subscription:
		return s.ast.Subscription
	}
	return nil
}
