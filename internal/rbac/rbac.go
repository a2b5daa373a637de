// Package rbac maps group roles, as reported by the group-membership
// service, to what a member may do with the group's address and wallet.
package rbac

// Group roles
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Permission constants
const (
	PermManageGroupAddress  = "manage_group_address"
	PermClaimMemberAddress  = "claim_member_address"
	PermWithdrawGroupWallet = "withdraw_group_wallet"
	PermViewGroupHistory    = "view_group_history"
)

// RolePermissions defines what each role can do.
var RolePermissions = map[string][]string{
	RoleOwner: {
		PermManageGroupAddress, PermClaimMemberAddress, PermWithdrawGroupWallet, PermViewGroupHistory,
	},
	RoleAdmin: {
		PermManageGroupAddress, PermClaimMemberAddress, PermWithdrawGroupWallet, PermViewGroupHistory,
	},
	RoleMember: {
		PermClaimMemberAddress, PermViewGroupHistory,
		// Member CANNOT: PermManageGroupAddress, PermWithdrawGroupWallet
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role, permission string) bool {
	perms, ok := RolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == permission {
			return true
		}
	}
	return false
}

// IsFinancialOperation reports whether permission moves group funds.
func IsFinancialOperation(permission string) bool {
	return permission == PermWithdrawGroupWallet
}
