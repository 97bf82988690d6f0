// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"strings"
)

type tenantIDContextKey struct{}
type idempotencyKeyContextKey struct{}

var ctxTenantIDKey tenantIDContextKey
var ctxIdempotencyKey idempotencyKeyContextKey

// WithTenantID stores the caller's tenant on the request context.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, ctxTenantIDKey, strings.TrimSpace(tenantID))
}

// TenantIDFromContext reads the tenant id from context.
func TenantIDFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(ctxTenantIDKey)
	id, ok := v.(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ctxIdempotencyKey, key)
}

func IdempotencyKeyFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(ctxIdempotencyKey)
	key, ok := v.(string)
	if !ok || key == "" {
		return "", false
	}
	return key, true
}
