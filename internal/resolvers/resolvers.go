// Package resolvers holds the handlers behind the gateway schema.
package resolvers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"gateway/internal/gateway"
	"gateway/internal/graphql"
	"gateway/internal/validator"
)

// NewItemTopic carries {newItem: {task}} events from createItem to the
// newItem subscription.
const NewItemTopic = "new-item"

// Resolvers implements the schema's fields on top of a bus.
type Resolvers struct {
	bus    gateway.Bus
	logger *zap.Logger
}

// New creates the resolver set.
func New(bus gateway.Bus, logger *zap.Logger) (*Resolvers, error) {
	r := Resolvers{
		bus:    bus,
		logger: logger,
	}

	if err := validator.Validate("resolvers", r.bus, r.logger); err != nil {
		return nil, fmt.Errorf("failed to validate resolvers deps: %w", err)
	}
	r.logger = r.logger.Named("resolvers")

	return &r, nil
}

// Map returns every handler keyed by its "Type.field" path.
func (r *Resolvers) Map() graphql.Resolvers {
	return graphql.Resolvers{
		"Query.me":             r.me,
		"Query.settings":       r.settings,
		"Mutation.settings":    r.updateSettings,
		"Mutation.createItem":  r.createItem,
		"Subscription.newItem": r.newItem,
		"Settings.user":        r.settingsUser,
		"User.error":           r.userError,
	}
}

// Bind parses the schema, registers every resolver with engine and returns
// the bound schema.
func (r *Resolvers) Bind(engine gateway.Engine) (*graphql.Schema, error) {
	schema, err := graphql.ParseSchema(SDL)
	if err != nil {
		return nil, err
	}
	if err := schema.Bind(engine, r.Map(), r.logger); err != nil {
		return nil, fmt.Errorf("failed to bind schema: %w", err)
	}
	return schema, nil
}

func currentUser() map[string]any {
	return map[string]any{
		"id":        1,
		"username":  "coder12",
		"createdAt": 23048230,
	}
}

func (r *Resolvers) me(context.Context, gateway.Args) (any, error) {
	return currentUser(), nil
}

func (r *Resolvers) settings(_ context.Context, args gateway.Args) (any, error) {
	return map[string]any{
		"user":  args["user"],
		"theme": "light",
	}, nil
}

func (r *Resolvers) updateSettings(_ context.Context, args gateway.Args) (any, error) {
	input, ok := args["input"].(map[string]any)
	if !ok {
		return nil, gateway.UserInputError("input is required")
	}
	return input, nil
}

func (r *Resolvers) createItem(ctx context.Context, args gateway.Args) (any, error) {
	task, ok := args.String("task")
	if !ok {
		return nil, gateway.UserInputError("task must be a string")
	}

	item := map[string]any{"task": task}
	if err := r.bus.Publish(ctx, NewItemTopic, map[string]any{"newItem": item}); err != nil {
		return nil, fmt.Errorf("failed to publish new item: %w", err)
	}

	r.logger.Debug("item created", zap.String("task", task))
	return item, nil
}

func (r *Resolvers) newItem(ctx context.Context, _ gateway.Args) (any, error) {
	return r.bus.Subscribe(ctx, NewItemTopic)
}

// settingsUser ignores the stored user id and returns the current user.
func (r *Resolvers) settingsUser(context.Context, gateway.Args) (any, error) {
	return currentUser(), nil
}

func (r *Resolvers) userError(context.Context, gateway.Args) (any, error) {
	return nil, gateway.UserInputError("wrong fields")
}
