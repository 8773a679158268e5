// Package muserr defines the error-kind vocabulary shared by every MUSCLE
// component. Operations return these as values; there is no exception
// control-flow in this codebase.
package muserr

import "errors"

// Kind identifies one of the fixed error categories a MUSCLE operation can
// report. Kind implements error so it can be returned or wrapped directly.
type Kind string

const (
	Ok             Kind = ""
	OutOfMemory    Kind = "out_of_memory"
	BadArgument    Kind = "bad_argument"
	BadData        Kind = "bad_data"
	DataNotFound   Kind = "data_not_found"
	BadObject      Kind = "bad_object"
	AccessDenied   Kind = "access_denied"
	IOError        Kind = "io_error"
	Timeout        Kind = "timeout"
	Unimplemented  Kind = "unimplemented"
)

func (k Kind) Error() string {
	if k == Ok {
		return "ok"
	}
	return string(k)
}

// Is lets errors.Is(err, muserr.DataNotFound) match wrapped errors of this
// kind, including ones produced by fmt.Errorf("...: %w", muserr.DataNotFound).
func (k Kind) Is(target error) bool {
	var other Kind
	if errors.As(target, &other) {
		return other == k
	}
	return false
}

// Of reports the Kind carried by err, or Ok if err is nil, or BadObject if
// err doesn't carry a recognised Kind (a programmer error upstream should
// always wrap with one of the constants above).
func Of(err error) Kind {
	if err == nil {
		return Ok
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return BadObject
}
