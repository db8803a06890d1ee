package authkit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextsession/authkit/instrumentation"
	"github.com/nextsession/authkit/providers"
	"github.com/nextsession/authkit/userstore"
)

// instrumentedUsers decorates a user store adapter with a span and a
// duration metric per operation. Serialize is pure and stays uncounted.
type instrumentedUsers struct {
	next      userstore.Adapter
	inst      *instrumentation.Instrumentation
	storeType string
}

var _ userstore.Adapter = (*instrumentedUsers)(nil)

func newInstrumentedUsers(next userstore.Adapter, inst *instrumentation.Instrumentation) *instrumentedUsers {
	return &instrumentedUsers{
		next:      next,
		inst:      inst,
		storeType: fmt.Sprintf("%T", next),
	}
}

func (u *instrumentedUsers) Find(ctx context.Context, c userstore.Criteria) (*userstore.User, error) {
	ctx, span, start := u.begin(ctx, "find")
	found, err := u.next.Find(ctx, c)
	u.finish(ctx, span, "find", start, err)
	return found, err
}

func (u *instrumentedUsers) Insert(ctx context.Context, usr *userstore.User, oauthProfile *providers.Profile) (*userstore.User, error) {
	ctx, span, start := u.begin(ctx, "insert")
	inserted, err := u.next.Insert(ctx, usr, oauthProfile)
	u.finish(ctx, span, "insert", start, err)
	return inserted, err
}

func (u *instrumentedUsers) Update(ctx context.Context, usr *userstore.User) (*userstore.User, error) {
	ctx, span, start := u.begin(ctx, "update")
	updated, err := u.next.Update(ctx, usr)
	u.finish(ctx, span, "update", start, err)
	return updated, err
}

func (u *instrumentedUsers) Remove(ctx context.Context, id string) (bool, error) {
	ctx, span, start := u.begin(ctx, "remove")
	removed, err := u.next.Remove(ctx, id)
	u.finish(ctx, span, "remove", start, err)
	return removed, err
}

func (u *instrumentedUsers) Serialize(usr *userstore.User) (string, error) {
	return u.next.Serialize(usr)
}

func (u *instrumentedUsers) Deserialize(ctx context.Context, id string) (*userstore.Profile, error) {
	ctx, span, start := u.begin(ctx, "deserialize")
	profile, err := u.next.Deserialize(ctx, id)
	u.finish(ctx, span, "deserialize", start, err)
	return profile, err
}

func (u *instrumentedUsers) begin(ctx context.Context, op string) (context.Context, trace.Span, time.Time) {
	ctx, span := u.inst.Tracer("userstore").Start(ctx, "userstore."+op)
	instrumentation.AddStoreAttributes(span, op, u.storeType)
	return ctx, span, time.Now()
}

func (u *instrumentedUsers) finish(ctx context.Context, span trace.Span, op string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrStoreResult, result))
	u.inst.Metrics().RecordStoreOperation(ctx, op, result,
		float64(time.Since(start).Milliseconds()))
	span.End()
}
