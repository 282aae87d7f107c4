// Copyright 2018-2019 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

package appctx

import (
	"context"

	"github.com/DioCrafts/OxiCloud-sub001/pkg/reqid"
	"github.com/rs/zerolog"
)

type ctxKey int

const userKey ctxKey = iota

// CurrentUser is the identity yielded by the AuthService collaborator once
// a bearer token has been validated.
type CurrentUser struct {
	ID   string
	Role string
}

// WithLogger returns a context with an associated logger.
func WithLogger(ctx context.Context, l *zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// GetLogger returns the logger associated with the given context, or a
// disabled logger if none was attached.
func GetLogger(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}

// WithTrace returns a context with an associated request id.
func WithTrace(ctx context.Context, t string) context.Context {
	return reqid.ContextSetReqID(ctx, t)
}

// GetTrace returns the request id stored in the context, or "unknown".
func GetTrace(ctx context.Context) string {
	if t, ok := reqid.ContextGetReqID(ctx); ok {
		return t
	}
	return "unknown"
}

// WithUser returns a context carrying the authenticated caller.
func WithUser(ctx context.Context, u *CurrentUser) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// GetUser returns the authenticated caller stored in the context, if any.
func GetUser(ctx context.Context) (*CurrentUser, bool) {
	u, ok := ctx.Value(userKey).(*CurrentUser)
	return u, ok && u != nil
}

// MustGetUser panics if no authenticated caller is stored in the context.
// Handlers only call this after the auth middleware has already rejected
// anonymous requests with 401.
func MustGetUser(ctx context.Context) *CurrentUser {
	u, ok := GetUser(ctx)
	if !ok {
		panic("appctx: no user in context")
	}
	return u
}
