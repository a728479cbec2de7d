// Package integration runs the harvester end to end, from the command line
// down to the ledger, against sources served by httptest.
//
// `go test` flags supported:
//
//	-debug
//
//	 Print the harvester logs.
//
// Example: go test -v ./integration/... -debug
package integration
