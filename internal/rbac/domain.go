package rbac

import "time"

// Role represents a high-level permission grouping.
type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission represents an atomic capability.
type Permission struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// UserRole links a user to a role.
type UserRole struct {
	UserID    int64
	RoleID    int64
	CreatedAt time.Time
}

// Permission names checked by the core operations.
const (
	PermViewInventory   = "VIEW_INVENTORY"
	PermAdjustInventory = "ADJUST_INVENTORY"
	PermCreateMovements = "CREATE_MOVEMENTS"
	PermCreateSale      = "CREATE_SALE"
	PermCancelSale      = "CANCEL_SALE"
	PermRefundSale      = "REFUND_SALE"
	PermViewSales       = "VIEW_SALES"
	PermViewCatalog     = "VIEW_CATALOG"
	PermManageCatalog   = "MANAGE_CATALOG"
	PermCreateUsers     = "CREATE_USERS"
	PermViewUsers       = "VIEW_USERS"
	PermAssignRoles     = "ASSIGN_ROLES"
	PermViewAudit       = "VIEW_AUDIT"
)
