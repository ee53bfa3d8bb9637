package constants

// Table names
const (
	TableUser                 = "users"
	TableIdentityProvider     = "identity_providers"
	TableProject              = "projects"
	TableGroup                = "groups"
	TableUserGroup            = "user_groups"
	TableGroupProject         = "group_projects"
	TableAccessPrivilege      = "access_privileges"
	TableClient               = "clients"
	TableAuthorizationCode    = "authorization_codes"
	TableUserRefreshToken     = "user_refresh_tokens"
	TableBlacklistedToken     = "blacklisted_tokens"
	TableUpstreamRefreshToken = "upstream_refresh_tokens"
	TableGA4GHVisa            = "ga4gh_visas"
)

// Common field names
const (
	FieldID          = "id"
	FieldUsername    = "username"
	FieldEmail       = "email"
	FieldName        = "name"
	FieldDisplayName = "display_name"
	FieldPhoneNumber = "phone_number"
	FieldIsAdmin     = "is_admin"
	FieldActive      = "active"
	FieldJTI         = "jti"
	FieldUserID      = "user_id"
	FieldMessage     = "message"
)

// Token audiences. An access token always carries AudAccess; a refresh
// token carries only AudRefresh.
const (
	AudAccess  = "access"
	AudRefresh = "refresh"
	AudOpenID  = "openid"
)

// Scopes a client may be allowed
var AllowedScopes = []string{"openid", "user", "data", "ga4gh_passport_v1", "email", "profile"}

// OAuth2 grant types
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
	GrantImplicit          = "implicit"
)

// HTTP
const (
	HeaderAuthorization = "Authorization"
	ContextKeyUser      = "user"
	ContextKeyToken     = "token"
	ResponseError       = "error"
)

// GA4GH
const (
	// Claim holding the embedded visa list inside a passport JWT
	ClaimGA4GHPassportV1 = "ga4gh_passport_v1"
	// Claim holding visa assertion details inside a visa JWT
	ClaimGA4GHVisaV1 = "ga4gh_visa_v1"
	// Claim in a RAS v1.1 userinfo response holding the passport JWT
	ClaimPassportJWTV11 = "passport_jwt_v11"
	// Claim in a RAS visa holding dbGaP study authorizations
	ClaimDbgapPermissions = "ras_dbgap_permissions"
)

// Privileges granted for a dbGaP permission parsed from a visa
var VisaProjectPrivileges = []string{"read", "read-storage"}

// Identity providers
const (
	IdPFence = "fence"
	IdPRAS   = "ras"
)

// Scheduler defaults
const (
	// Max minutes a single visa update run may take before its context expires
	VisaUpdateMaxRuntimeMins = 30
	// Default cron schedule for the visa update job (every 30 minutes)
	DefaultVisaUpdateSchedule = "*/30 * * * *"
)
