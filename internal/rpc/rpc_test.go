package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/jobrelay/internal/coordinator"
	"github.com/ChuLiYu/jobrelay/internal/registry"
	"github.com/ChuLiYu/jobrelay/internal/store/memory"
	"github.com/ChuLiYu/jobrelay/pkg/types"
)

type failingCreated struct{ registry.Nop }

func (failingCreated) Name() string { return "billing" }

func (failingCreated) OnJobCreated(context.Context, types.Job) error {
	return errors.New("billing unavailable")
}

type fixture struct {
	client *Client
	store  *memory.Store
	reg    *registry.Registry
}

func newFixture(t *testing.T, opts ...coordinator.Option) *fixture {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	st := memory.New()
	reg := registry.New()
	coord := coordinator.New(st, reg, opts...)

	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryLogger(zap.NewNop())))
	Register(srv, NewServer(coord, nil))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return &fixture{client: client, store: st, reg: reg}
}

func TestLifecycleOverGRPC(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.client.CreateJob(ctx, json.RawMessage(`{"task":"firmware-update","version":"2.1"}`))
	require.NoError(t, err)
	assert.Equal(t, types.StateCreated, created.Job.State)
	assert.Equal(t, uint64(1), created.Job.Revision)
	assert.JSONEq(t, `{"task":"firmware-update","version":"2.1"}`, string(created.Job.Definition))
	assert.Empty(t, created.HandlerFailures)
	id := created.Job.ID

	assigned, err := f.client.AssignJob(ctx, id, "floor-3")
	require.NoError(t, err)
	assert.Equal(t, "floor-3", assigned.Job.Scope())
	assert.Equal(t, uint64(2), assigned.Job.Revision)

	got, err := f.client.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StateAssigned, got.Job.State)

	deleted, err := f.client.DeleteJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StateDeleted, deleted.Job.State)
	assert.Nil(t, deleted.Job.DeviceScope)

	_, err = f.client.AssignJob(ctx, id, "floor-4")
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestGRPCReportsHandlerFailures(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(failingCreated{})

	res, err := f.client.CreateJob(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, res.HandlerFailures, 1)
	assert.Equal(t, "billing", res.HandlerFailures[0].Handler)
	assert.Equal(t, string(types.HookCreated), res.HandlerFailures[0].Hook)
	assert.Equal(t, "billing unavailable", res.HandlerFailures[0].Error)
	assert.False(t, res.HandlerFailures[0].TimedOut)
}

func TestGRPCErrorCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.client.GetJob(ctx, "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = f.client.DeleteJob(ctx, "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))

	created, err := f.client.CreateJob(ctx, nil)
	require.NoError(t, err)
	_, err = f.client.AssignJob(ctx, created.Job.ID, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	f.store.FailNext(1)
	_, err = f.client.CreateJob(ctx, nil)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestGRPCRejectsMalformedRequests(t *testing.T) {
	f := newFixture(t)
	out := new(structpb.Struct)

	err := f.client.cc.Invoke(context.Background(), fullMethod(MethodGetJob), &structpb.Struct{}, out)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	bad := &structpb.Struct{Fields: map[string]*structpb.Value{fieldJobID: structpb.NewNumberValue(7)}}
	err = f.client.cc.Invoke(context.Background(), fullMethod(MethodDeleteJob), bad, out)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{coordinator.ErrNotFound, codes.NotFound},
		{coordinator.ErrInvalidState, codes.FailedPrecondition},
		{coordinator.ErrPreHookRejected, codes.FailedPrecondition},
		{coordinator.ErrInvalidArgument, codes.InvalidArgument},
		{&coordinator.StorageError{Op: "create", Err: errors.New("disk full")}, codes.Unavailable},
		{context.Canceled, codes.Canceled},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Code(tt.err), tt.err.Error())
	}
}
