// Package store provides database access for the relay roster and the
// client transfer ledger.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rudransh-shrivastava/lanchat/internal/schema"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("not found")

type UserStore struct {
	db *gorm.DB
}

func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db}
}

// AddUser inserts user, or refreshes the name and join time of an existing
// socket id.
func (us *UserStore) AddUser(ctx context.Context, user schema.User) error {
	user.ID = 0
	return us.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "socket_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "joined_at"}),
	}).Create(&user).Error
}

// RemoveUser deletes the user and returns what was stored.
func (us *UserStore) RemoveUser(ctx context.Context, socketID string) (schema.User, error) {
	var user schema.User
	err := us.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("socket_id = ?", socketID).First(&user).Error; err != nil {
			return err
		}
		return tx.Delete(&user).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return schema.User{}, ErrNotFound
	}
	return user, err
}

func (us *UserStore) GetUser(ctx context.Context, socketID string) (schema.User, error) {
	var user schema.User
	err := us.db.WithContext(ctx).Where("socket_id = ?", socketID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return schema.User{}, ErrNotFound
	}
	return user, err
}

// GetOnlineUsers returns the roster in join order.
func (us *UserStore) GetOnlineUsers(ctx context.Context) ([]schema.User, error) {
	users := []schema.User{}
	err := us.db.WithContext(ctx).Order("joined_at, id").Find(&users).Error
	return users, err
}

// Clear empties the roster. The relay calls it on start since no socket
// survives a restart.
func (us *UserStore) Clear(ctx context.Context) error {
	return us.db.WithContext(ctx).Where("1 = 1").Delete(&schema.User{}).Error
}

type TransferStore struct {
	db *gorm.DB
}

func NewTransferStore(db *gorm.DB) *TransferStore {
	return &TransferStore{db: db}
}

// Record stores the latest state of a transfer, keyed by transfer id, peer
// and direction.
func (ts *TransferStore) Record(ctx context.Context, t schema.Transfer) error {
	t.ID = 0
	if t.CreatedAt == 0 {
		t.CreatedAt = time.Now().Unix()
	}
	return ts.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "transfer_id"}, {Name: "peer_id"}, {Name: "direction"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"file_name", "file_type", "file_size", "received", "status", "error", "path",
		}),
	}).Create(&t).Error
}

// List returns up to limit transfers, newest first. A limit <= 0 returns
// everything.
func (ts *TransferStore) List(ctx context.Context, limit int) ([]schema.Transfer, error) {
	transfers := []schema.Transfer{}
	q := ts.db.WithContext(ctx).Order("created_at desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&transfers).Error
	return transfers, err
}

var (
	_ UserRepository     = (*UserStore)(nil)
	_ TransferRepository = (*TransferStore)(nil)
)
