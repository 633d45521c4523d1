package server

import (
	"net/http"
)

func (s *Server) initRoutes() {
	s.RegisterRouteFunc("GET "+RouteHealth, s.HealthHandler())

	// AUTH
	s.RegisterRouteHandler("GET "+RouteAuthLogin, ChainMiddleware(s.LoginHandler(), s.AuthFlowMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteAuthCallback, ChainMiddleware(s.CallbackHandler(), s.AuthFlowMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteAuthRefresh, ChainMiddleware(s.RefreshHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteAuthLogout, ChainMiddleware(s.LogoutHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteAuthStatus, ChainMiddleware(s.StatusHandler(), s.APIMiddleware()...))

	// Patient data, all behind the access token guard
	s.RegisterRouteHandler("GET "+RoutePatient, ChainMiddleware(s.PatientHandler(), s.APIMiddleware(s.RequireAuth())...))
	s.RegisterRouteHandler("GET "+RoutePatientObservations, ChainMiddleware(s.ObservationsHandler(), s.APIMiddleware(s.RequireAuth())...))
	s.RegisterRouteHandler("GET "+RoutePatientConditions, ChainMiddleware(s.ConditionsHandler(), s.APIMiddleware(s.RequireAuth())...))
	s.RegisterRouteHandler("GET "+RoutePatientMedications, ChainMiddleware(s.MedicationsHandler(), s.APIMiddleware(s.RequireAuth())...))
	s.RegisterRouteHandler("GET "+RoutePatientAllergies, ChainMiddleware(s.AllergiesHandler(), s.APIMiddleware(s.RequireAuth())...))
	s.RegisterRouteHandler("GET "+RouteAppointments, ChainMiddleware(s.AppointmentsHandler(), s.APIMiddleware(s.RequireAuth())...))
	s.RegisterRouteHandler("POST "+RouteAppointments, ChainMiddleware(s.CreateAppointmentHandler(), s.APIMiddleware(s.RequireAuth())...))

	s.RegisterRouteFunc("/", s.NotFoundHandler())
}

func (s *Server) NotFoundHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusNotFound, codeNotFound, "Route not found")
	}
}
