package errors

import "strings"

// Errors is a non-empty list of errors reported as a single error. A nil Errors means no error.
type Errors interface {
	error
	// Slice returns a copy of the errors.
	Slice() []error
	// Len is always > 0.
	Len() int
}

type errorList []error

func (l errorList) Slice() []error {
	return append([]error(nil), l...)
}

func (l errorList) Len() int {
	return len(l)
}

func (l errorList) Error() string {
	msgs := make([]string, 0, len(l))
	for _, err := range l {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// flatten lists the errors carried by err; lists are expanded one level.
func flatten(err error) []error {
	switch err := err.(type) {
	case nil:
		return nil
	case errorList:
		return err
	case Errors:
		return err.Slice()
	default:
		return []error{err}
	}
}

// Append returns errs followed by err. A nil err returns errs unchanged. The result never
// shares its backing array with errs.
func Append(errs Errors, err error) Errors {
	added := flatten(err)
	if len(added) == 0 {
		return errs
	}
	var list errorList
	if errs != nil {
		list = append(list, flatten(errs)...)
	}
	return append(list, added...)
}

// Combine joins e and f, returning nil if both are nil and the other one if either is nil.
func Combine(e, f error) error {
	switch {
	case f == nil:
		return e
	case e == nil:
		return f
	}
	return Append(Append(nil, e), f)
}

// Defer combines the error of a deferred call into *err.
//
//	defer errors.Defer(&err, f.Close)
func Defer(err *error, f func() error) {
	*err = Combine(*err, f())
}
