package rbac

// Principal roles
const (
	RoleAdmin  Role = "admin"
	RoleDoctor Role = "doctor"
	RoleNurse  Role = "nurse"
	RoleStaff  Role = "staff"
)

// Resource types protected by the decision engine
const (
	ResourcePatientRecord  = "patient_record"
	ResourceClinicalNote   = "clinical_note"
	ResourceLabResult      = "lab_result"
	ResourcePrescription   = "prescription"
	ResourceAppointment    = "appointment"
	ResourceAuditLog       = "audit_log"
	ResourcePrincipal      = "principal"
	ResourceUserManagement = "user_management"
)

// Action types
const (
	ActionCreate = "create"
	ActionRead   = "read"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionExport = "export"
)

// Well-known attribute keys
const (
	AttrHospitalID  = "hospitalId"
	AttrDepartment  = "department"
	AttrAccessLevel = "accessLevel"

	// AttrMFA is synthesized from the request and never stored on a principal.
	AttrMFA = "mfa"
)

// Consent types carried on protected resources
const (
	ConsentTreatment = "treatment"
	ConsentResearch  = "research"
	ConsentSharing   = "sharing"
)

// Denial reasons recorded on audit entries
const (
	ReasonAccountInactive      = "account inactive"
	ReasonAccountLocked        = "account locked"
	ReasonAuthenticationError  = "authentication failed"
	ReasonNoPolicy             = "no policy for resource"
	ReasonRoleNotPermitted     = "role not permitted"
	ReasonNotAssigned          = "patient not assigned"
	ReasonConsentMissing       = "consent missing"
	ReasonOverrideDisabled     = "emergency override disabled"
	ReasonJustificationShort   = "break-glass justification too short"
	ReasonResourceNotFound     = "resource not found"
	ReasonRemediationNotStored = "remediation record could not be stored"
)

const (
	// MinJustificationLength is the minimum break-glass justification length in characters.
	MinJustificationLength = 20

	// MinRemediationReasonLength is the minimum remediation reason length in characters.
	MinRemediationReasonLength = 20

	// RemediationActionPrefix prefixes the action name of remediation audit entries.
	RemediationActionPrefix = "remediation."

	// ActionRevertRemediation records the compensation of a remediation whose record was lost.
	ActionRevertRemediation = RemediationActionPrefix + "revert"

	// AnonymousPrincipal is recorded when a credential cannot be tied to a principal.
	AnonymousPrincipal = "anonymous"
)

// Default configuration values
const (
	DefaultPageSize            = 50
	MaxPageSize                = 500
	DefaultBreakGlassWindowMin = 15
	DefaultMaxFailedLogins     = 5
	DefaultLockoutMinutes      = 15
	DefaultMutationAttempts    = 5
	DefaultAuditRetryAttempts  = 3
)
