//go:build debug

package channel

const insecureAllowed = true
