package model

// Permission represents a string code for a specific system action.
type Permission string

const (
	// PermissionMediaUpload allows uploading audio, PDF and image files.
	PermissionMediaUpload Permission = "media:upload"

	// PermissionTestsRead allows viewing tests in the dashboard.
	PermissionTestsRead Permission = "tests:read"

	// PermissionTestsWrite allows creating and editing tests and sections.
	PermissionTestsWrite Permission = "tests:write"

	// PermissionTestsPublish allows publishing and archiving tests.
	PermissionTestsPublish Permission = "tests:publish"

	// PermissionSubmissionsRead allows viewing submissions and live attempts.
	PermissionSubmissionsRead Permission = "submissions:read"

	// PermissionSubmissionsGrade allows grading submissions.
	PermissionSubmissionsGrade Permission = "submissions:grade"

	// PermissionUsersRead allows viewing user accounts.
	PermissionUsersRead Permission = "users:read"

	// PermissionUsersWrite allows managing user accounts and sessions.
	PermissionUsersWrite Permission = "users:write"
)

// AdminRole is a fixed bundle of permissions.
type AdminRole string

const (
	AdminRoleSuperadmin AdminRole = "superadmin"
	AdminRoleEditor     AdminRole = "editor"
	AdminRoleGrader     AdminRole = "grader"
)

// AllPermissions is a slice of all available permissions.
var AllPermissions = []Permission{
	PermissionMediaUpload,
	PermissionTestsRead,
	PermissionTestsWrite,
	PermissionTestsPublish,
	PermissionSubmissionsRead,
	PermissionSubmissionsGrade,
	PermissionUsersRead,
	PermissionUsersWrite,
}

var rolePermissions = map[AdminRole][]Permission{
	AdminRoleSuperadmin: AllPermissions,
	AdminRoleEditor: {
		PermissionMediaUpload,
		PermissionTestsRead,
		PermissionTestsWrite,
		PermissionTestsPublish,
		PermissionSubmissionsRead,
	},
	AdminRoleGrader: {
		PermissionTestsRead,
		PermissionSubmissionsRead,
		PermissionSubmissionsGrade,
	},
}

// PermissionsFor returns the permission codes granted to a role.
func PermissionsFor(role AdminRole) []string {
	perms := rolePermissions[role]
	codes := make([]string, len(perms))
	for i, p := range perms {
		codes[i] = string(p)
	}
	return codes
}
