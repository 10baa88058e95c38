package sandbox

// Func is a host function callable from sandboxed code. Arguments arrive as
// plain Go values (nil, bool, int64, float64, string, []byte, []any,
// map[string]any). Returning a Thenable makes the call asynchronous on the
// script side.
type Func func(args []any) (any, error)

// Thenable is a host value that settles later. The sandbox turns it into an
// engine-side promise; callbacks may run on any goroutine.
type Thenable interface {
	Then(onResolve func(any), onReject func(error))
}

// Coder is implemented by host errors that carry a POSIX-style code, which is
// exposed to scripts as the `code` property of the thrown error.
type Coder interface {
	Code() string
}
