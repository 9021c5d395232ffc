package rls

import (
	"fmt"

	"gorm.io/gorm"
)

// WithTenant scopes the current transaction to orgID for row-level security
// policies on billing tables. Only Postgres understands the setting.
func WithTenant(tx *gorm.DB, orgID int64) error {
	if tx == nil || tx.Dialector == nil || tx.Dialector.Name() != "postgres" {
		return nil
	}
	return tx.Exec(
		"SELECT set_config('app.current_org_id', ?, true)",
		fmt.Sprintf("%d", orgID),
	).Error
}
