package postgres

import (
	"github.com/wardline/notify/internal/domain/notification"
)

// ErrNotFound mirrors the domain sentinel so repo code and its callers agree
// on one errors.Is target.
var ErrNotFound = notification.ErrNotFound
