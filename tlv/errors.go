package tlv

import (
	"errors"
	"fmt"
)

var (
	ErrRegistryFrozen    = errors.New("tlv: registry is frozen")
	ErrDuplicateContract = errors.New("tlv: contract id already registered")
	ErrMissingTag        = errors.New("tlv: missing tag")
	ErrWrongType         = errors.New("tlv: tag has the wrong wire type")
	ErrMalformed         = errors.New("tlv: malformed frame")
	ErrFrameTooLarge     = errors.New("tlv: frame exceeds size limit")
)

// TagError reports a problem reading one tag of a contract.
type TagError struct {
	ContractID int
	Tag        int
	Err        error
}

func (e *TagError) Error() string {
	return fmt.Sprintf("tlv: contract %d tag %d: %v", e.ContractID, e.Tag, e.Err)
}

func (e *TagError) Unwrap() error {
	return e.Err
}
