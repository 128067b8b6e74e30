package repo

import (
	"context"
	"errors"

	"github.com/courseloom/courseloom/internal/modules/model"
	"gorm.io/gorm"
)

type UserRepo interface {
	GetOrCreate(ctx context.Context, identifier string) (*model.User, error)
}

type userRepo struct {
	db *gorm.DB
}

func NewUserRepo(db *gorm.DB) UserRepo {
	return &userRepo{db: db}
}

func (r *userRepo) GetOrCreate(ctx context.Context, identifier string) (*model.User, error) {
	if identifier == "" {
		return nil, errors.New("user identifier is empty")
	}

	var user model.User
	err := r.db.WithContext(ctx).
		Where(&model.User{Identifier: identifier}).
		First(&user).Error
	if err == nil {
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	user = model.User{Identifier: identifier}
	if err := r.db.WithContext(ctx).Create(&user).Error; err != nil {
		// Lost a create race; the row exists now.
		var existing model.User
		if ferr := r.db.WithContext(ctx).
			Where(&model.User{Identifier: identifier}).
			First(&existing).Error; ferr == nil {
			return &existing, nil
		}
		return nil, err
	}
	return &user, nil
}
