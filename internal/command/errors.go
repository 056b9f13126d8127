package command

import "errors"

var (
	// ErrBadPayload is returned when an inbound message is not valid JSON
	// or carries no CMD discriminator.
	ErrBadPayload = errors.New("command: malformed payload")

	// ErrEmptyCommand is returned when an outbound command is built with
	// no data items.
	ErrEmptyCommand = errors.New("command: no data items")
)
