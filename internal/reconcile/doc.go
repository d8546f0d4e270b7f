// Package reconcile compares the persisted worker registry with the live
// agent registry and logs the drift. It never disconnects, binds or edits
// anything; acting on a Report is left to an operator.
package reconcile
