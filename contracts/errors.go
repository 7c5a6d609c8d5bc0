package contracts

import "errors"

var ErrInvalidMessage = errors.New("contracts: invalid message")
