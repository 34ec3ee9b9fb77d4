package common

import "fmt"

// Status is the disposition of a single extracted fact
type Status int

const (
	StatusAbsent Status = iota
	StatusFound
	StatusAmbiguous
)

func (s Status) String() string {
	switch s {
	case StatusFound:
		return "found"
	case StatusAmbiguous:
		return "ambiguous"
	default:
		return "absent"
	}
}

// MarshalText lets reports encode the status by name
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome records how a fact extraction ended. A failed extraction is reported as an
// absent outcome carrying the error, never as a failure of the whole analysis.
type Outcome struct {
	Status  Status `json:"status" cbor:"status"`
	Message string `json:"message,omitempty" cbor:"message,omitempty"`
	Count   int    `json:"count,omitempty" cbor:"count,omitempty"` // candidates seen
	Error   string `json:"error,omitempty" cbor:"error,omitempty"`
	Err     error  `json:"-" cbor:"-"`
}

// NewAbsent creates an outcome for a fact that could not be extracted
func NewAbsent(reason string, err error) Outcome {
	o := Outcome{
		Status:  StatusAbsent,
		Message: reason,
		Err:     err,
	}
	if err != nil {
		o.Error = err.Error()
	}
	return o
}

// NewFound creates an outcome for a uniquely identified fact
func NewFound(message string) Outcome {
	return Outcome{
		Status:  StatusFound,
		Message: message,
		Count:   1,
	}
}

// NewAmbiguous creates an outcome for a fact with several candidates
func NewAmbiguous(message string, count int) Outcome {
	return Outcome{
		Status:  StatusAmbiguous,
		Message: message,
		Count:   count,
	}
}

// Found reports whether at least one candidate was extracted
func (o Outcome) Found() bool {
	return o.Status == StatusFound || o.Status == StatusAmbiguous
}

// String returns a human-readable representation
func (o Outcome) String() string {
	switch o.Status {
	case StatusFound:
		if o.Message != "" {
			return fmt.Sprintf("FOUND (%s)", o.Message)
		}
		return "FOUND"
	case StatusAmbiguous:
		return fmt.Sprintf("AMBIGUOUS (%s, %d candidates)", o.Message, o.Count)
	}
	if o.Err != nil {
		return fmt.Sprintf("ABSENT (%s: %v)", o.Message, o.Err)
	}
	return fmt.Sprintf("ABSENT (%s)", o.Message)
}
