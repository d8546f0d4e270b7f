// Package deploy answers "how many more workers does this tenant need, and
// which ones?" with invite links for eligible persisted workers.
package deploy
