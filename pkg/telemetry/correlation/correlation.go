// Package correlation issues sortable identifiers that tie a quota
// reservation to the usage commit and the spans that follow it.
package correlation

import (
	"context"
	"strings"

	"github.com/oklog/ulid/v2"
)

type idKey struct{}

func NewID() string {
	return ulid.Make().String()
}

// Valid reports whether id parses as a ULID.
func Valid(id string) bool {
	_, err := ulid.ParseStrict(strings.TrimSpace(id))
	return err == nil
}

// WithID attaches id so spans started from ctx carry it.
func WithID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if ctx == nil || id == "" {
		return ctx
	}
	return context.WithValue(ctx, idKey{}, id)
}

func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(idKey{}).(string)
	return id
}
