package store

import (
	"context"

	"github.com/rudransh-shrivastava/lanchat/internal/schema"
)

// UserRepository defines relay roster operations.
type UserRepository interface {
	AddUser(ctx context.Context, user schema.User) error
	RemoveUser(ctx context.Context, socketID string) (schema.User, error)
	GetUser(ctx context.Context, socketID string) (schema.User, error)
	GetOnlineUsers(ctx context.Context) ([]schema.User, error)
	Clear(ctx context.Context) error
}

// TransferRepository defines transfer ledger operations.
type TransferRepository interface {
	Record(ctx context.Context, t schema.Transfer) error
	List(ctx context.Context, limit int) ([]schema.Transfer, error)
}
