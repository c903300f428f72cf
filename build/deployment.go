package build

// DeploymentType selects between the production binary and a development
// build carrying extra test hooks and stdout logging.
type DeploymentType byte

const (
	// Development includes testing hooks and logs to stdout from unit
	// tests.
	Development DeploymentType = iota

	// Production strips out testing logic.
	Production
)

// String returns a human readable name for a build type.
func (b DeploymentType) String() string {
	switch b {
	case Development:
		return "development"
	case Production:
		return "production"
	default:
		return "unknown"
	}
}

// IsProdBuild returns true if this is a production build.
func IsProdBuild() bool {
	return Deployment == Production
}

// IsDevBuild returns true if this is a development build.
func IsDevBuild() bool {
	return Deployment == Development
}
