// Package output captures what a sandboxed program prints.
//
// Output from untrusted code is never trusted: every Stream bounds the
// bytes and lines it keeps, marks truncation explicitly, drops control
// characters other than newline and tab, and replaces invalid UTF-8.
package output
