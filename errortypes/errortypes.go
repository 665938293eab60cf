package errortypes

// Timeout should be used to flag that a remote call failed to return a response before
// the timeout timer expired.
type Timeout struct {
	Message string
}

func (err *Timeout) Error() string {
	return err.Message
}

func (err *Timeout) Code() int {
	return TimeoutErrorCode
}

func (err *Timeout) Severity() Severity {
	return SeverityFatal
}

// BadInput should be used when returning errors which are caused by bad input.
// It should _not_ be used if the error is a server-side issue (e.g. failed to send the external request).
type BadInput struct {
	Message string
}

func (err *BadInput) Error() string {
	return err.Message
}

func (err *BadInput) Code() int {
	return BadInputErrorCode
}

func (err *BadInput) Severity() Severity {
	return SeverityFatal
}

// BadServerResponse should be used when returning errors which are caused by bad/unexpected
// behavior on a remote server.
//
// For example:
//
//   - The external server responded with a 500
//   - The external server gave a malformed or unexpected response.
//
// These should not be used to log _connection_ errors (e.g. "couldn't find host"),
// which may indicate config issues for the host company
type BadServerResponse struct {
	Message string
}

func (err *BadServerResponse) Error() string {
	return err.Message
}

func (err *BadServerResponse) Code() int {
	return BadServerResponseErrorCode
}

func (err *BadServerResponse) Severity() Severity {
	return SeverityFatal
}

// AcctRequired should be used when a request arrives without a valid account ID
// and the server is configured to reject such requests.
type AcctRequired struct {
	Message string
}

func (err *AcctRequired) Error() string {
	return err.Message
}

func (err *AcctRequired) Code() int {
	return AcctRequiredErrorCode
}

func (err *AcctRequired) Severity() Severity {
	return SeverityFatal
}

// MalformedTargeting flags a line item targeting definition that could not be
// compiled. The line item is kept but never matches.
type MalformedTargeting struct {
	Message string
}

func (err *MalformedTargeting) Error() string {
	return err.Message
}

func (err *MalformedTargeting) Code() int {
	return MalformedTargetingErrorCode
}

func (err *MalformedTargeting) Severity() Severity {
	return SeverityFatal
}

// PlannerUnavailable flags a failed or rejected call to the planner, after which
// the current line item state is preserved untouched.
type PlannerUnavailable struct {
	Message string
}

func (err *PlannerUnavailable) Error() string {
	return err.Message
}

func (err *PlannerUnavailable) Code() int {
	return PlannerUnavailableErrorCode
}

func (err *PlannerUnavailable) Severity() Severity {
	return SeverityFatal
}

// UserDetailsUnavailable flags a failed frequency capped id lookup. It is distinct
// from a confirmed cap so infrastructure failures are observable on their own.
type UserDetailsUnavailable struct {
	Message string
}

func (err *UserDetailsUnavailable) Error() string {
	return err.Message
}

func (err *UserDetailsUnavailable) Code() int {
	return UserDetailsUnavailableErrorCode
}

func (err *UserDetailsUnavailable) Severity() Severity {
	return SeverityFatal
}

// DebugWarning is a non-fatal error only relevant in debug or trace responses.
type DebugWarning struct {
	Message     string
	WarningCode int
}

func (err *DebugWarning) Error() string {
	return err.Message
}

func (err *DebugWarning) Code() int {
	return err.WarningCode
}

func (err *DebugWarning) Severity() Severity {
	return SeverityWarning
}

func (err *DebugWarning) Scope() Scope {
	return ScopeDebug
}

// Warning is a generic non-fatal error.
type Warning struct {
	Message     string
	WarningCode int
}

func (err *Warning) Error() string {
	return err.Message
}

func (err *Warning) Code() int {
	return err.WarningCode
}

func (err *Warning) Severity() Severity {
	return SeverityWarning
}
