package planner

import "github.com/pkg/errors"

// Planning errors. All are fatal for the plan being built; the planner never
// retries and discards partial plans.
var (
	// ErrMissingKernelInfo reports a node with no kernel metadata entry.
	ErrMissingKernelInfo = errors.New("no kernel metadata for node")

	// ErrUnknownProvider reports a node assigned to an unregistered
	// execution provider.
	ErrUnknownProvider = errors.New("execution provider is not registered")

	// ErrBadPartitionConfig reports a malformed partition configuration
	// file.
	ErrBadPartitionConfig = errors.New("bad partition configuration")

	// ErrMissingOuterScopeLocation reports an implicit subgraph input with
	// no outer-scope location entry.
	ErrMissingOuterScopeLocation = errors.New("no outer scope location for implicit input")

	// ErrIndexOutOfRange reports an internal bounds violation.
	ErrIndexOutOfRange = errors.New("index out of range")

	// ErrUnsupportedStrided reports a reuse path that would produce a
	// strided tensor, which this build does not support.
	ErrUnsupportedStrided = errors.New("strided tensors are not supported in this build")
)
