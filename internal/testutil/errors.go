// Package testutil provides fakes and fixtures for tide tests.
//
// It should only be imported by test files (*_test.go).
package testutil

import "errors"

// Mock errors for testing purposes.
// These errors are used to simulate collaborator failures in tests.
var (
	// ErrMockGHFailed indicates a mock gh command failed.
	ErrMockGHFailed = errors.New("gh command failed")

	// ErrMockNetwork indicates a mock network error occurred.
	ErrMockNetwork = errors.New("network error")

	// ErrMockBranchFailed indicates a mock branch could not be created.
	ErrMockBranchFailed = errors.New("branch creation failed")
)
