package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingcore/internal/catalog/domain"
	"github.com/smallbiznis/billingcore/pkg/db/option"
	pkgrepo "github.com/smallbiznis/billingcore/pkg/repository"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const productColumns = `id, code, name, description, category, billing_type, status,
	requires_approval, trial_days, created_at, updated_at`

func (r *repo) InsertProduct(ctx context.Context, db *gorm.DB, p *domain.Product) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO catalog.products (`+productColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID,
		p.Code,
		p.Name,
		p.Description,
		p.Category,
		p.BillingType,
		p.Status,
		p.RequiresApproval,
		p.TrialDays,
		p.CreatedAt,
		p.UpdatedAt,
	).Error
}

func (r *repo) FindProductByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Product, error) {
	var p domain.Product
	err := db.WithContext(ctx).Raw(
		`SELECT `+productColumns+` FROM catalog.products WHERE id = ?`,
		id,
	).Scan(&p).Error
	if err != nil {
		return nil, err
	}
	if p.ID == 0 {
		return nil, nil
	}
	return &p, nil
}

func (r *repo) FindProductByCode(ctx context.Context, db *gorm.DB, code string) (*domain.Product, error) {
	var p domain.Product
	err := db.WithContext(ctx).Raw(
		`SELECT `+productColumns+` FROM catalog.products WHERE code = ?`,
		code,
	).Scan(&p).Error
	if err != nil {
		return nil, err
	}
	if p.ID == 0 {
		return nil, nil
	}
	return &p, nil
}

func (r *repo) ListProducts(ctx context.Context, db *gorm.DB, filter domain.ProductFilter) ([]domain.Product, error) {
	stmt := db.WithContext(ctx).Model(&domain.Product{})
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.Category != "" {
		stmt = stmt.Where("category = ?", filter.Category)
	}

	var items []domain.Product
	if err := stmt.Order("code ASC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) InsertPlan(ctx context.Context, db *gorm.DB, plan *domain.Plan) error {
	return pkgrepo.ProvideStore[domain.Plan](db).Create(ctx, plan)
}

func (r *repo) FindPlanByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Plan, error) {
	return pkgrepo.ProvideStore[domain.Plan](db).FindOne(ctx, &domain.Plan{ID: id})
}

func (r *repo) FindPlansByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]domain.Plan, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	items, err := pkgrepo.ProvideStore[domain.Plan](db).Find(ctx, nil, option.WithIn("id", ids))
	if err != nil {
		return nil, err
	}
	return deref(items), nil
}

func (r *repo) ListPlans(ctx context.Context, db *gorm.DB, productID snowflake.ID, activeOnly bool) ([]domain.Plan, error) {
	opts := []option.QueryOption{option.WithOrder("price ASC, code ASC")}
	if activeOnly {
		opts = append(opts, option.WithWhere("active = ?", true))
	}
	items, err := pkgrepo.ProvideStore[domain.Plan](db).Find(ctx, &domain.Plan{ProductID: productID}, opts...)
	if err != nil {
		return nil, err
	}
	return deref(items), nil
}

func (r *repo) InsertBundle(ctx context.Context, db *gorm.DB, bundle *domain.Bundle) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := pkgrepo.ProvideStore[domain.Bundle](tx).Create(ctx, bundle); err != nil {
			return err
		}
		components := make([]*domain.BundleComponent, 0, len(bundle.Components))
		for i := range bundle.Components {
			bundle.Components[i].BundleID = bundle.ID
			components = append(components, &bundle.Components[i])
		}
		return pkgrepo.ProvideStore[domain.BundleComponent](tx).BatchCreate(ctx, components)
	})
}

func (r *repo) FindBundleByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Bundle, error) {
	bundle, err := pkgrepo.ProvideStore[domain.Bundle](db).FindOne(ctx, &domain.Bundle{ID: id})
	if err != nil || bundle == nil {
		return bundle, err
	}
	if err := r.loadComponents(ctx, db, []*domain.Bundle{bundle}); err != nil {
		return nil, err
	}
	return bundle, nil
}

func (r *repo) ListBundles(ctx context.Context, db *gorm.DB, activeOnly bool) ([]domain.Bundle, error) {
	opts := []option.QueryOption{option.WithOrder("code ASC")}
	if activeOnly {
		opts = append(opts, option.WithWhere("active = ?", true))
	}
	items, err := pkgrepo.ProvideStore[domain.Bundle](db).Find(ctx, nil, opts...)
	if err != nil {
		return nil, err
	}
	if err := r.loadComponents(ctx, db, items); err != nil {
		return nil, err
	}
	return deref(items), nil
}

func (r *repo) loadComponents(ctx context.Context, db *gorm.DB, bundles []*domain.Bundle) error {
	if len(bundles) == 0 {
		return nil
	}
	ids := make([]snowflake.ID, 0, len(bundles))
	byID := make(map[snowflake.ID]*domain.Bundle, len(bundles))
	for _, b := range bundles {
		ids = append(ids, b.ID)
		byID[b.ID] = b
	}

	components, err := pkgrepo.ProvideStore[domain.BundleComponent](db).Find(ctx, nil,
		option.WithIn("bundle_id", ids),
		option.WithOrder("bundle_id ASC, sort_order ASC, product_id ASC"),
	)
	if err != nil {
		return err
	}
	for _, c := range components {
		if b, ok := byID[c.BundleID]; ok {
			b.Components = append(b.Components, *c)
		}
	}
	return nil
}

func deref[T any](items []*T) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		out = append(out, *item)
	}
	return out
}
