package server

// Route path constants
// All application routes are defined here to ensure consistency and prevent typos
const (
	// Auth Routes
	RouteAuthLogin    = "/auth/login"
	RouteAuthCallback = "/auth/callback"
	RouteAuthRefresh  = "/auth/refresh"
	RouteAuthLogout   = "/auth/logout"
	RouteAuthStatus   = "/auth/status"

	// Patient data (FHIR proxy)
	RoutePatient             = "/api/patient"
	RoutePatientObservations = "/api/patient/observations"
	RoutePatientConditions   = "/api/patient/conditions"
	RoutePatientMedications  = "/api/patient/medications"
	RoutePatientAllergies    = "/api/patient/allergies"
	RouteAppointments        = "/api/appointments"

	RouteHealth = "/health"
)

// Frontend redirect targets after the callback
const (
	frontendDashboardPath = "/dashboard?login=success"
	frontendAuthFailed    = "/?error=auth_failed"
)
