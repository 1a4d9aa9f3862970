package build

import (
	"errors"

	"github.com/kilnhq/kilnd/internal/errs"
	"github.com/kilnhq/kilnd/internal/pipeline"
)

var (
	ErrBuild               = errors.New("build failed")
	ErrProvisioning        = errors.New("provisioning failed")
	ErrToolchainBootstrap  = errors.New("toolchain bootstrap failed")
	ErrCompilation         = errors.New("compilation failed")
	ErrPackaging           = errors.New("packaging failed")
	ErrAssembly            = errors.New("image assembly failed")
	ErrStartupVerification = errors.New("startup verification failed")
	ErrFileSystemOperation = errors.New("file system operation failed")
	ErrCopy                = errors.New("copy failed")
)

// Returns the error class for a failed run step of the given phase.
func phaseError(p pipeline.Phase) error {
	switch p {
	case pipeline.PhaseCompile:
		return ErrCompilation
	case pipeline.PhasePackage:
		return ErrPackaging
	}
	return ErrProvisioning
}

// Returns the name of the error class of err, or "" when err belongs to
// none. Used in reports and protocol responses.
func Kind(err error) string {
	return kinds[errs.Classify(err,
		ErrStartupVerification,
		ErrToolchainBootstrap,
		ErrCompilation,
		ErrPackaging,
		ErrProvisioning,
		ErrAssembly,
		pipeline.ErrInvalidPipeline,
		pipeline.ErrParse,
	)]
}

var kinds = map[error]string{
	ErrStartupVerification:      "StartupVerificationError",
	ErrToolchainBootstrap:       "ToolchainBootstrapError",
	ErrCompilation:              "CompilationError",
	ErrPackaging:                "PackagingError",
	ErrProvisioning:             "ProvisioningError",
	ErrAssembly:                 "AssemblyError",
	pipeline.ErrInvalidPipeline: "InvalidPipelineError",
	pipeline.ErrParse:           "InvalidPipelineError",
}
