package status

// setupRoutes configures the read-only API surface.
func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleRoot)
	s.router.GET("/healthz", s.handleHealthz)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/signals", s.handleSignals)
		v1.GET("/positions", s.handlePositions)
		v1.GET("/account", s.handleAccount)
		v1.GET("/eas", s.handleEAs)
	}

	s.router.GET("/ws/signals", s.handleSignalStream)
}
