package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertProduct(ctx context.Context, db *gorm.DB, product *Product) error
	FindProductByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Product, error)
	FindProductByCode(ctx context.Context, db *gorm.DB, code string) (*Product, error)
	ListProducts(ctx context.Context, db *gorm.DB, filter ProductFilter) ([]Product, error)

	InsertPlan(ctx context.Context, db *gorm.DB, plan *Plan) error
	FindPlanByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Plan, error)
	FindPlansByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]Plan, error)
	ListPlans(ctx context.Context, db *gorm.DB, productID snowflake.ID, activeOnly bool) ([]Plan, error)

	InsertBundle(ctx context.Context, db *gorm.DB, bundle *Bundle) error
	FindBundleByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Bundle, error)
	ListBundles(ctx context.Context, db *gorm.DB, activeOnly bool) ([]Bundle, error)
}

type ProductFilter struct {
	Status   ProductStatus
	Category string
}
