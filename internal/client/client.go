package client

import (
	"context"

	"github.com/a-essam23/tablelink/internal/handshake"
	"github.com/a-essam23/tablelink/pkg/dispatch"
	"github.com/a-essam23/tablelink/pkg/state"
)

// Client is the surface shared by service and identity connections.
type Client interface {
	Connect(ctx context.Context) error
	RestoreSession(ctx context.Context, cookie, userID string) error
	Disconnect()
	Logout(ctx context.Context) error
	IsConnected() bool
	ValidateSession(ctx context.Context) error
	Status() Status
	UserID() string
	Cookie() string

	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Response, error)
	GetWorld() (state.WorldSnapshot, bool)
	GetSystem(ctx context.Context) (state.SystemInfo, error)
	GetUsers(ctx context.Context) ([]state.UserSummary, error)
	GetUsersDetails(ctx context.Context) ([]state.UserSummary, error)
	GetSharedContent() []handshake.SharedItem

	GetActors(ctx context.Context) ([]dispatch.Document, error)
	GetActor(ctx context.Context, id string) (dispatch.Document, error)
	CreateActor(ctx context.Context, data any) ([]dispatch.Document, error)
	UpdateActor(ctx context.Context, id string, changes map[string]any) (dispatch.Document, error)
	DeleteActor(ctx context.Context, id string) error
	CreateActorItem(ctx context.Context, actorID string, data any) ([]dispatch.Document, error)
	UpdateActorItem(ctx context.Context, actorID, itemID string, changes map[string]any) (dispatch.Document, error)
	DeleteActorItem(ctx context.Context, actorID, itemID string) error
	FetchByUUID(ctx context.Context, uuid string) (dispatch.Document, error)
	GetChatLog(ctx context.Context, limit int) ([]dispatch.Document, error)
	SendMessage(ctx context.Context, content string, opts MessageOptions) (dispatch.Document, error)
	Roll(ctx context.Context, formula string, opts MessageOptions) (dispatch.Document, error)

	LaunchWorld(ctx context.Context, worldID string) error
	ShutdownWorld(ctx context.Context) error
}

var (
	_ Client = (*ServiceConnection)(nil)
	_ Client = (*IdentityConnection)(nil)
)
