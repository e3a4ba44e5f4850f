package command

import "context"

// SystemHandler is the reserved dispatch target for "system" commands.
// The control plane reserves the type but no semantics are defined yet;
// every invocation reports an explicit unimplemented failure rather than
// silently succeeding.
type SystemHandler struct{}

// NewSystemHandler creates the stub handler.
func NewSystemHandler() *SystemHandler { return &SystemHandler{} }

// Execute always fails with an unimplemented error.
func (*SystemHandler) Execute(_ context.Context, _ Command, res *Result) {
	res.Success = false
	res.Result = ErrInfo{ErrorType: ErrTypeHandler, Message: "unimplemented"}
}
