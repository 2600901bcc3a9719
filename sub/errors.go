// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package sub

import "fmt"

// ErrorKind is a sentinel error, defined with
// const ErrSomething = sub.ErrorKind("something").
type ErrorKind string

func (e ErrorKind) Error() string {
	return string(e)
}

// Error adds detail to a sentinel. errors.Is and errors.As see the sentinel.
type Error struct {
	kind   error
	detail string
}

func (e Error) Error() string {
	return e.kind.Error() + ": " + e.detail
}

func (e Error) Unwrap() error {
	return e.kind
}

// NewError formats the detail for kind.
func NewError(kind error, format string, args ...any) Error {
	return Error{
		kind:   kind,
		detail: fmt.Sprintf(format, args...),
	}
}

// Closers collects the shutdown functions of a multi-step startup. Close runs
// them newest first, so each resource is closed before the ones it was built
// on.
type Closers struct {
	fns []func() error
}

// Add schedules fn to run on Close.
func (c *Closers) Add(fn func() error) {
	c.fns = append(c.fns, fn)
}

// Close runs the shutdown functions and logs their errors. It can be called
// more than once; each function runs only once.
func (c *Closers) Close(log Logger) {
	for i := len(c.fns) - 1; i >= 0; i-- {
		if err := c.fns[i](); err != nil {
			log.Errorf("error running shutdown function %d: %v", i, err)
		}
	}
	c.fns = nil
}
