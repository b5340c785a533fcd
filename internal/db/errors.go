package db

import "errors"

var (
	ErrUnknownLocation     = errors.New("location not found")
	ErrUnknownPerson       = errors.New("person not found")
	ErrUnknownSession      = errors.New("session not found")
	ErrAtCapacity          = errors.New("location at capacity")
	ErrDuplicateAttendance = errors.New("open attendance already exists")
	ErrCodeTaken           = errors.New("security code already open at location")
	ErrAttendanceNotFound  = errors.New("attendance not found")
	ErrAttendanceClosed    = errors.New("attendance already closed")
)
