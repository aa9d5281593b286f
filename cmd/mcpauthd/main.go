// mcpauthd is a standalone OAuth 2.1 authorization server for MCP deployments.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via ldflags
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "mcpauthd",
	Short: "OAuth 2.1 authorization server for MCP deployments",
	Long: `mcpauthd is a self-contained OAuth 2.1 authorization server.

It supports dynamic client registration (RFC 7591), the authorization code
grant with mandatory PKCE, refresh tokens, bearer token validation, and
RFC 8414 server metadata. Access tokens are RS256-signed JWTs verifiable
against the server's JWKS endpoint.

Configuration comes from environment variables (MCPAUTH_* prefix) with
command-line flags taking precedence.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(`{{printf "mcpauthd version %s\n" .Version}}`)

	// Default to serve when invoked without a subcommand
	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newServeCmd())
}
