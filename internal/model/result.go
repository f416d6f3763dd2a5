package model

import "fmt"

// ResultCode is the outcome of a directory operation, numbered like LDAP.
type ResultCode int

const (
	Success              ResultCode = 0
	NoSuchAttribute      ResultCode = 16
	ConstraintViolation  ResultCode = 19
	NoSuchObject         ResultCode = 32
	Busy                 ResultCode = 51
	Unavailable          ResultCode = 52
	UnwillingToPerform   ResultCode = 53
	ObjectClassViolation ResultCode = 65
	NotAllowedOnNonLeaf  ResultCode = 66
	NotAllowedOnRDN      ResultCode = 67
	EntryAlreadyExists   ResultCode = 68
	Other                ResultCode = 80
	// NoOperation means the change was already applied or is moot; replay
	// treats it as success without touching the backend.
	NoOperation ResultCode = 16654
)

var resultNames = map[ResultCode]string{
	Success:              "success",
	NoSuchAttribute:      "noSuchAttribute",
	ConstraintViolation:  "constraintViolation",
	NoSuchObject:         "noSuchObject",
	Busy:                 "busy",
	Unavailable:          "unavailable",
	UnwillingToPerform:   "unwillingToPerform",
	ObjectClassViolation: "objectClassViolation",
	NotAllowedOnNonLeaf:  "notAllowedOnNonLeaf",
	NotAllowedOnRDN:      "notAllowedOnRDN",
	EntryAlreadyExists:   "entryAlreadyExists",
	Other:                "other",
	NoOperation:          "noOperation",
}

func (c ResultCode) String() string {
	if name, ok := resultNames[c]; ok {
		return name
	}
	return fmt.Sprintf("resultCode(%d)", int(c))
}

// IsTransient reports whether a retry of the same operation may succeed
// without any rewriting.
func (c ResultCode) IsTransient() bool {
	return c == Busy || c == Unavailable
}

// IsSuccess reports whether the operation took effect or was a no-op.
func (c ResultCode) IsSuccess() bool {
	return c == Success || c == NoOperation
}
