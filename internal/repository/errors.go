// Package repository defines error types that are reused across multiple
// repositories and stores.  These sentinel values allow higher layers such
// as the booking service to distinguish between different failure
// scenarios without inspecting driver specific errors.  For example,
// ErrDuplicateReference tells the caller to regenerate a booking
// reference and try again, while ErrDuplicateTransaction signals that a
// payment with the same provider transaction id is already recorded.
package repository

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// ErrNotFound is returned when a showtime, booking, seat or user lookup
// yields no rows.
var ErrNotFound = errors.New("not found")

// ErrDuplicateReference is returned when a booking insert collides with an
// existing booking_reference.
var ErrDuplicateReference = errors.New("duplicate booking reference")

// ErrDuplicateTransaction is returned when a payment insert collides with
// an existing transaction_id.
var ErrDuplicateTransaction = errors.New("duplicate payment transaction")

// ErrShowtimeOverlap is returned when a new showtime would share its
// screen with an existing one.
var ErrShowtimeOverlap = errors.New("showtime overlaps an existing showtime")

// ErrEmailExists is returned by registration when the email is taken.
var ErrEmailExists = errors.New("email already exists")

// mysqlDuplicateEntry is the MySQL error number for a unique key violation.
const mysqlDuplicateEntry = 1062

// isDuplicate reports whether err is a MySQL unique violation on the named
// key.  An empty key matches any unique key.
func isDuplicate(err error, key string) bool {
	var me *mysql.MySQLError
	if !errors.As(err, &me) || me.Number != mysqlDuplicateEntry {
		return false
	}
	return key == "" || strings.Contains(me.Message, key)
}
