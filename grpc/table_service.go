package grpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/burrow/membership"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	tableService = "burrow.MembershipTable"

	tableInitializeMethod = "/" + tableService + "/Initialize"
	tableReadAllMethod    = "/" + tableService + "/ReadAll"
	tableReadRowMethod    = "/" + tableService + "/ReadRow"
	tableInsertRowMethod  = "/" + tableService + "/InsertRow"
	tableUpdateRowMethod  = "/" + tableService + "/UpdateRow"
	tableHeartbeatMethod  = "/" + tableService + "/UpdateIAmAlive"
	tableDeleteAllMethod  = "/" + tableService + "/DeleteAllEntries"
	tableCleanupMethod    = "/" + tableService + "/CleanupDefunctEntries"
)

// TableServer exposes a membership store to nodes configured with the remote backend
type TableServer interface {
	Initialize(context.Context, *InitializeRequest) (*Empty, error)
	ReadAll(context.Context, *ReadAllRequest) (*TableResponse, error)
	ReadRow(context.Context, *ReadRowRequest) (*TableResponse, error)
	InsertRow(context.Context, *InsertRowRequest) (*CASResponse, error)
	UpdateRow(context.Context, *UpdateRowRequest) (*CASResponse, error)
	UpdateIAmAlive(context.Context, *HeartbeatRequest) (*Empty, error)
	DeleteAllEntries(context.Context, *DeleteAllRequest) (*Empty, error)
	CleanupDefunctEntries(context.Context, *CleanupRequest) (*Empty, error)
}

var tableServiceDesc = grpc.ServiceDesc{
	ServiceName: tableService,
	HandlerType: (*TableServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(tableService, "Initialize", TableServer.Initialize),
		unaryMethod(tableService, "ReadAll", TableServer.ReadAll),
		unaryMethod(tableService, "ReadRow", TableServer.ReadRow),
		unaryMethod(tableService, "InsertRow", TableServer.InsertRow),
		unaryMethod(tableService, "UpdateRow", TableServer.UpdateRow),
		unaryMethod(tableService, "UpdateIAmAlive", TableServer.UpdateIAmAlive),
		unaryMethod(tableService, "DeleteAllEntries", TableServer.DeleteAllEntries),
		unaryMethod(tableService, "CleanupDefunctEntries", TableServer.CleanupDefunctEntries),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "burrow/membership_table",
}

// RegisterTableServer registers srv on s
func RegisterTableServer(s grpc.ServiceRegistrar, srv TableServer) {
	s.RegisterService(&tableServiceDesc, srv)
}

// toStatus maps store errors onto gRPC codes the remote client translates back
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, membership.ErrTableNotInitialized):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, membership.ErrRowNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, membership.ErrCleanupUnsupported):
		return status.Error(codes.Unimplemented, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}

// fromStatus restores the store sentinel errors on the client side
func fromStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	st := status.Convert(err)
	switch st.Code() {
	case codes.FailedPrecondition:
		return fmt.Errorf("remote %s: %w", op, membership.ErrTableNotInitialized)
	case codes.NotFound:
		return fmt.Errorf("remote %s: %w", op, membership.ErrRowNotFound)
	case codes.Unimplemented:
		return fmt.Errorf("remote %s: %w", op, membership.ErrCleanupUnsupported)
	default:
		return fmt.Errorf("remote %s: %s: %s", op, st.Code(), st.Message())
	}
}

// TableService serves a local store over gRPC
type TableService struct {
	store membership.Store
}

// NewTableService exposes store
func NewTableService(store membership.Store) *TableService {
	return &TableService{store: store}
}

func (s *TableService) Initialize(ctx context.Context, req *InitializeRequest) (*Empty, error) {
	return &Empty{}, toStatus(s.store.InitializeMembershipTable(ctx, req.Force))
}

func (s *TableService) ReadAll(ctx context.Context, _ *ReadAllRequest) (*TableResponse, error) {
	data, err := s.store.ReadAll(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &TableResponse{Data: data}, nil
}

func (s *TableService) ReadRow(ctx context.Context, req *ReadRowRequest) (*TableResponse, error) {
	data, err := s.store.ReadRow(ctx, req.Address)
	if err != nil {
		return nil, toStatus(err)
	}
	return &TableResponse{Data: data}, nil
}

func (s *TableService) InsertRow(ctx context.Context, req *InsertRowRequest) (*CASResponse, error) {
	ok, err := s.store.InsertRow(ctx, req.Entry, req.Expected)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CASResponse{OK: ok}, nil
}

func (s *TableService) UpdateRow(ctx context.Context, req *UpdateRowRequest) (*CASResponse, error) {
	ok, err := s.store.UpdateRow(ctx, req.Entry, req.ETag, req.Expected)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CASResponse{OK: ok}, nil
}

func (s *TableService) UpdateIAmAlive(ctx context.Context, req *HeartbeatRequest) (*Empty, error) {
	return &Empty{}, toStatus(s.store.UpdateIAmAlive(ctx, req.Entry))
}

func (s *TableService) DeleteAllEntries(ctx context.Context, req *DeleteAllRequest) (*Empty, error) {
	log.Warn().Str("cluster_id", req.ClusterID).Msg("Remote request to wipe membership table")
	return &Empty{}, toStatus(s.store.DeleteAllEntries(ctx, req.ClusterID))
}

func (s *TableService) CleanupDefunctEntries(ctx context.Context, req *CleanupRequest) (*Empty, error) {
	cleaner, ok := s.store.(membership.DefunctCleaner)
	if !ok {
		return nil, toStatus(membership.ErrCleanupUnsupported)
	}
	return &Empty{}, toStatus(cleaner.CleanupDefunctEntries(ctx, req.Before))
}

// RemoteStore is a membership.Store backed by another node's TableService
type RemoteStore struct {
	address string
	conn    *grpc.ClientConn
}

// DialRemoteStore connects to the table service at address (host:port)
func DialRemoteStore(address string) (*RemoteStore, error) {
	conn, err := grpc.NewClient(address, createDialOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial membership table at %s: %w", address, err)
	}
	log.Info().Str("address", address).Msg("Using remote membership table")
	return &RemoteStore{address: address, conn: conn}, nil
}

func (r *RemoteStore) InitializeMembershipTable(ctx context.Context, force bool) error {
	_, err := invoke[Empty](ctx, r.conn, tableInitializeMethod, &InitializeRequest{Force: force})
	return fromStatus("initialize", err)
}

func (r *RemoteStore) ReadAll(ctx context.Context) (membership.TableData, error) {
	resp, err := invoke[TableResponse](ctx, r.conn, tableReadAllMethod, &ReadAllRequest{})
	if err != nil {
		return membership.TableData{}, fromStatus("read all", err)
	}
	return resp.Data, nil
}

func (r *RemoteStore) ReadRow(ctx context.Context, addr membership.NodeAddress) (membership.TableData, error) {
	resp, err := invoke[TableResponse](ctx, r.conn, tableReadRowMethod, &ReadRowRequest{Address: addr})
	if err != nil {
		return membership.TableData{}, fromStatus("read row", err)
	}
	return resp.Data, nil
}

func (r *RemoteStore) InsertRow(ctx context.Context, entry membership.Entry, expected membership.TableVersion) (bool, error) {
	resp, err := invoke[CASResponse](ctx, r.conn, tableInsertRowMethod, &InsertRowRequest{Entry: entry, Expected: expected})
	if err != nil {
		return false, fromStatus("insert row", err)
	}
	return resp.OK, nil
}

func (r *RemoteStore) UpdateRow(ctx context.Context, entry membership.Entry, etag string, expected membership.TableVersion) (bool, error) {
	resp, err := invoke[CASResponse](ctx, r.conn, tableUpdateRowMethod, &UpdateRowRequest{Entry: entry, ETag: etag, Expected: expected})
	if err != nil {
		return false, fromStatus("update row", err)
	}
	return resp.OK, nil
}

func (r *RemoteStore) UpdateIAmAlive(ctx context.Context, entry membership.Entry) error {
	_, err := invoke[Empty](ctx, r.conn, tableHeartbeatMethod, &HeartbeatRequest{Entry: entry})
	return fromStatus("update i am alive", err)
}

func (r *RemoteStore) DeleteAllEntries(ctx context.Context, clusterID string) error {
	_, err := invoke[Empty](ctx, r.conn, tableDeleteAllMethod, &DeleteAllRequest{ClusterID: clusterID})
	return fromStatus("delete all", err)
}

func (r *RemoteStore) CleanupDefunctEntries(ctx context.Context, before time.Time) error {
	_, err := invoke[Empty](ctx, r.conn, tableCleanupMethod, &CleanupRequest{Before: before})
	return fromStatus("cleanup defunct", err)
}

// Close releases the connection
func (r *RemoteStore) Close() error {
	return r.conn.Close()
}
