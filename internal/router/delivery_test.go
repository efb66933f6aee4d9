package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveclass/internal/metrics"
	"liveclass/pkg/types"
)

func TestLocalDeliverer_ResolvesAudiences(t *testing.T) {
	f := newFixture(t)
	teacher := f.join("t1", types.RoleTeacher)
	u1 := f.join("u1", types.RoleStudent)
	u2 := f.join("u2", types.RoleStudent)
	teacher.next()
	teacher.next()
	u1.next()

	d := NewLocalDeliverer(f.registry, nil, metrics.New())
	env := &types.Envelope{Event: types.EventSystem, SessionID: "s1"}
	ctx := context.Background()

	require.NoError(t, d.Deliver(ctx, Audience{SessionID: "s1", Kind: AudienceTeachers}, env))
	teacher.next()
	u1.expectSilence()

	require.NoError(t, d.Deliver(ctx, Audience{SessionID: "s1", Kind: AudienceStudents, ExcludeUserID: "u2"}, env))
	u1.next()
	u2.expectSilence()

	require.NoError(t, d.Deliver(ctx, Audience{SessionID: "s1", Kind: AudienceUser, UserID: "u2"}, env))
	u2.next()

	require.NoError(t, d.Deliver(ctx, Audience{SessionID: "other", Kind: AudienceAll}, env))
	teacher.expectSilence()

	assert.ErrorIs(t, d.Deliver(ctx, Audience{SessionID: "s1", Kind: AudienceUser, UserID: "ghost"}, env), ErrRecipientNotFound)
}
