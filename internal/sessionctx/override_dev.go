//go:build devoverride

package sessionctx

// overrideCompiled enables WithDeveloperOverride in diagnostic builds
const overrideCompiled = true
