//go:build tools
// +build tools

package tools

import (
	// Pin tool dependencies so go.mod tracks their versions
	_ "github.com/alecthomas/kong"
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
	_ "github.com/goreleaser/goreleaser"
	_ "gotest.tools/gotestsum"
	_ "golang.org/x/vuln/cmd/govulncheck"
	_ "honnef.co/go/tools/cmd/staticcheck"
	_ "github.com/fzipp/gocyclo/cmd/gocyclo"
	_ "golang.org/x/tools/cmd/goimports"
	_ "github.com/vektra/mockery/v2"
)
