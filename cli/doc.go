// Package cli provides a command-line interface (CLI) framework for Go applications.
//
// This package offers a set of utilities and abstractions to build command-line interfaces
// with ease. It includes features such as command parsing, flag handling, and subcommand support.
//
// Usage:
// To use this package, import it in your Go code:
//
//	import "github.com/nandlabs/batchsuper/cli"
//
// Example:
// Here's a simple example that demonstrates how to use the `cli` package:
//
//	package main
//
//	import (
//	    "fmt"
//	    "os"
//
//	    "github.com/nandlabs/batchsuper/cli"
//	)
//
//	func main() {
//	    app := cli.NewCLI()
//	    app.AddVersion("v1.0.0")
//	    app.AddCommand(cli.NewCommand("hello", "Say hello", "v1.0.0", func(ctx *cli.Context) error {
//	        fmt.Println("Hello, World!")
//	        return nil
//	    }))
//
//	    if err := app.Execute(); err != nil {
//	        fmt.Println(err)
//	        os.Exit(1)
//	    }
//	}
package cli
