//go:build !devoverride

package sessionctx

const overrideCompiled = false
