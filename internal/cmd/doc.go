// Package cmd provides the command-line interface implementation for fluxfs.
//
// This package contains all the subcommand implementations for the
// fluxfs CLI tool. It uses the Cobra library for command structure and
// Fang for styling.
//
// The package is organized into the following commands:
//   - root: Main command coordinator and entry point
//   - mount: FUSE filesystem mounting functionality
//   - seed: Sample-tree generation into a mirror directory
//   - inspect: Mirror directory validation and reporting
package cmd
