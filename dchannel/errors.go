package dchannel

// BindingError is returned for misuse of a channel's transport binding:
// binding twice, binding to a transport without a usable peer address,
// or using the binding before it exists.
type BindingError struct {
	Reason string
	Err    error
}

func (e *BindingError) Error() string {
	if e.Err == nil {
		return "channel binding: " + e.Reason
	}
	return "channel binding: " + e.Reason + ": " + e.Err.Error()
}

func (e *BindingError) Unwrap() error {
	return e.Err
}
