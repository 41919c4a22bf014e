package domain

// SuccessResult is the successful outcome of a source execution.
type SuccessResult struct {
	Event Event
	// Parameters computes the response parameters lazily.
	Parameters func() map[string]any
}

// ResponseParameters evaluates the response parameter supplier.
func (r *SuccessResult) ResponseParameters() map[string]any {
	if r.Parameters == nil {
		return nil
	}
	return r.Parameters()
}

// FailureResult is the failed outcome of a source execution.
type FailureResult struct {
	Failure *Failure
	// Parameters computes the failure response parameters lazily.
	Parameters func() map[string]any
}

// ResponseParameters evaluates the failure response parameter supplier.
func (r *FailureResult) ResponseParameters() map[string]any {
	if r.Parameters == nil {
		return nil
	}
	return r.Parameters()
}

// SourceResult holds either a success or a failure, never both.
type SourceResult struct {
	success *SuccessResult
	failure *FailureResult
}

// Succeeded wraps a success result.
func Succeeded(r *SuccessResult) SourceResult {
	return SourceResult{success: r}
}

// Failed wraps a failure result.
func Failed(r *FailureResult) SourceResult {
	return SourceResult{failure: r}
}

// Success returns the success side.
func (r SourceResult) Success() (*SuccessResult, bool) {
	return r.success, r.success != nil
}

// Failure returns the failure side.
func (r SourceResult) Failure() (*FailureResult, bool) {
	return r.failure, r.failure != nil
}

// IsSuccess reports whether the result holds a success.
func (r SourceResult) IsSuccess() bool {
	return r.success != nil
}

// CompletionCallback receives the outcome of a source execution exactly once.
type CompletionCallback func(SourceResult)
