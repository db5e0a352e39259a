package errutils

// Package errutils provides a set of utilities for working with errors in Go:
// a thread-safe MultiError for accumulating errors from concurrent work,
// CustomError for templated one-off errors, and FmtError as a thin
// fmt.Errorf wrapper for call sites that otherwise have no reason to
// import fmt.
