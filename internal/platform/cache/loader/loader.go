// Package loader registers cache drivers via blank imports.
//
// Usage in main.go:
//
//	import _ "github.com/binomepay/binomepay-go/internal/platform/cache/loader"
package loader

import (
	_ "github.com/binomepay/binomepay-go/internal/platform/cache/memory"
	_ "github.com/binomepay/binomepay-go/internal/platform/cache/valkey"
)
