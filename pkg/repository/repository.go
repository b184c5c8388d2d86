package repository

import "github.com/tendant/simple-checkin/pkg/checkin"

// Ensure interfaces are met.
var (
	_ checkin.SecretRepository     = (*SecretsRepository)(nil)
	_ checkin.SessionRepository    = (*SessionsRepository)(nil)
	_ checkin.WindowStore          = (*RateWindowsRepository)(nil)
	_ checkin.AttendanceRepository = (*AttendanceRepository)(nil)
	_ checkin.EventDirectory       = (*EventsRepository)(nil)
)
