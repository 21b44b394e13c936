package key

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"gorm.io/gorm"
)

var ErrKeyNotFound = errors.New("api key not found")

type Repository interface {
	CreateKey(ctx context.Context, key *APIKey) error
	FindByKey(ctx context.Context, keyValue string) (*APIKey, error)
	ListByService(ctx context.Context, service string) ([]APIKey, error)
	RevokeKey(ctx context.Context, keyID string) error
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) CreateKey(ctx context.Context, key *APIKey) error {
	return r.db.WithContext(ctx).Create(key).Error
}

func (r *repository) FindByKey(ctx context.Context, keyValue string) (*APIKey, error) {
	var key APIKey
	err := r.db.WithContext(ctx).Where("key = ?", hashKey(keyValue)).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (r *repository) ListByService(ctx context.Context, service string) ([]APIKey, error) {
	var keys []APIKey
	err := r.db.WithContext(ctx).Where("service = ?", service).Order("created_at desc").Find(&keys).Error
	return keys, err
}

func (r *repository) RevokeKey(ctx context.Context, keyID string) error {
	res := r.db.WithContext(ctx).Model(&APIKey{}).Where("id = ?", keyID).Update("is_revoked", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func hashKey(key string) string {
	h := sha256.New()
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}
